package expr

import (
	"fmt"
	"strings"

	"github.com/pineappletours/tourcache/internal/templates"
)

// HybridEvaluator compiles cache key expressions written either as Go templates or as CEL.
// Sources containing "{{" are templates rendered against the request parameters; anything
// else is a CEL expression over params that must produce a string.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewParamsEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// KeyExpression is a compiled key source.
type KeyExpression struct {
	source string
	tmpl   *templates.Template
	prog   Program
}

// CompileKey prepares a key expression once so rendering per request stays cheap.
func (h *HybridEvaluator) CompileKey(name, expression string) (*KeyExpression, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return nil, fmt.Errorf("hybrid: key expression for %s required", name)
	}
	if strings.Contains(trimmed, "{{") {
		tmpl, err := h.renderer.CompileInline(name, trimmed)
		if err != nil {
			return nil, fmt.Errorf("hybrid: compile template: %w", err)
		}
		return &KeyExpression{source: trimmed, tmpl: tmpl}, nil
	}
	prog, err := h.celEnv.CompileValue(trimmed)
	if err != nil {
		return nil, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	return &KeyExpression{source: trimmed, prog: prog}, nil
}

// Render produces the cache key for params. Empty keys are rejected because an empty key
// would collide across every request of the resource.
func (k *KeyExpression) Render(params map[string]any) (string, error) {
	var key string
	if k.tmpl != nil {
		rendered, err := k.tmpl.Render(params)
		if err != nil {
			return "", fmt.Errorf("hybrid: render template: %w", err)
		}
		key = rendered
	} else {
		result, err := k.prog.Eval(map[string]any{"params": params})
		if err != nil {
			return "", fmt.Errorf("hybrid: evaluate CEL: %w", err)
		}
		s, ok := result.(string)
		if !ok {
			return "", fmt.Errorf("hybrid: key expression %q yielded %T, want string", k.source, result)
		}
		key = s
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("hybrid: key expression %q rendered an empty key", k.source)
	}
	return key, nil
}

func (k *KeyExpression) Source() string { return k.source }

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
