package expr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment builds and compiles CEL programs over cached resources.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the variables visible to cacheability rules:
//   - data: the fetched payload as plain JSON values
//   - key: the rendered cache key
//   - resource: the resource name, e.g. "categoryProducts"
//   - params: the request parameters the key was rendered from
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("key", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		lookupFunction(),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// NewParamsEnvironment exposes only the request parameters. Key expressions compile here.
func NewParamsEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		lookupFunction(),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build params environment: %w", err)
	}
	return &Environment{env: env}, nil
}

func lookupFunction() cel.EnvOption {
	return cel.Function("lookup",
		cel.Overload("lookup_map_string",
			[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
			cel.DynType,
			cel.BinaryBinding(lookupMapValue),
		),
	)
}

// Program wraps a compiled CEL program.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares a program that must yield a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares a program that may yield any value.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// EvalBool executes the program against the activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	if !p.wantBool {
		return false, fmt.Errorf("expr: program %q does not return a boolean", p.source)
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

func (p Program) Source() string { return p.source }

// Eval executes the program and returns the native value.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	return val.Value(), nil
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program, wantBool: wantBool}, nil
}

// PlainValue converts a typed payload into the maps, slices and scalars CEL understands
// by round-tripping it through JSON.
func PlainValue(v any) (any, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("expr: encode payload: %w", err)
	}
	var plain any
	if err := json.Unmarshal(payload, &plain); err != nil {
		return nil, fmt.Errorf("expr: decode payload: %w", err)
	}
	return plain, nil
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
