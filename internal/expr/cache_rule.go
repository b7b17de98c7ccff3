package expr

import "fmt"

// CacheRule decides whether a fetched payload may be stored. A nil rule admits everything.
type CacheRule struct {
	program Program
}

// CompileCacheRule compiles a cacheWhen expression. An empty expression yields a nil rule.
func (e *Environment) CompileCacheRule(expression string) (*CacheRule, error) {
	if isBlank(expression) {
		return nil, nil
	}
	program, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &CacheRule{program: program}, nil
}

// Admit evaluates the rule for one payload.
func (r *CacheRule) Admit(resource, key string, params map[string]any, data any) (bool, error) {
	if r == nil {
		return true, nil
	}
	plain, err := PlainValue(data)
	if err != nil {
		return false, err
	}
	if params == nil {
		params = map[string]any{}
	}
	ok, err := r.program.EvalBool(map[string]any{
		"data":     plain,
		"key":      key,
		"resource": resource,
		"params":   params,
	})
	if err != nil {
		return false, fmt.Errorf("expr: cache rule for %s: %w", resource, err)
	}
	return ok, nil
}

func (r *CacheRule) Source() string {
	if r == nil {
		return ""
	}
	return r.program.Source()
}
