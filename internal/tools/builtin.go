package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

// RegisterBuiltins adds the zero-cost local tools every deployment gets.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Definition{
		{
			Name:        "current_time",
			Description: "Returns the current UTC time in RFC 3339 format.",
			Kind:        KindLocal,
			Enabled:     true,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
			Handler: currentTimeHandler,
		},
		{
			Name:        "calculate",
			Description: "Evaluates a basic arithmetic operation on two numbers.",
			Kind:        KindLocal,
			Enabled:     true,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"operation": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"add", "subtract", "multiply", "divide"},
					},
					"a": map[string]interface{}{"type": "number"},
					"b": map[string]interface{}{"type": "number"},
				},
				"required": []interface{}{"operation", "a", "b"},
			},
			Handler: calculateHandler,
		},
	}
	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register builtin %s: %w", def.Name, err)
		}
	}
	return nil
}

func currentTimeHandler(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"time": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func calculateHandler(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	op, _ := input["operation"].(string)
	a, _ := input["a"].(float64)
	b, _ := input["b"].(float64)

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return nil, llmerrors.New(llmerrors.CodeInvalidInput, "division by zero")
		}
		result = a / b
	default:
		return nil, llmerrors.Newf(llmerrors.CodeInvalidInput, "unsupported operation %q", op)
	}
	return map[string]interface{}{"result": result}, nil
}
