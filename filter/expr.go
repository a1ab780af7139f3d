package filter

import (
	"fmt"
	"maps"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ItemKey exposes the whole list element to an expression, e.g. item["vmid"] or item == "pve1".
const ItemKey = "item"

// Filter is a compiled boolean expression evaluated against payload items
type Filter struct {
	expression string
	program    *vm.Program
	helpers    map[string]any
}

// Compile compiles an expression into a Filter.
//
// Object fields of each item are visible as variables, so `status == "running"`
// matches VMs that are running. Unknown fields evaluate to nil.
func Compile(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "empty expression",
			Position:   -1,
		}
	}

	helpers := createHelperFunctions()

	program, err := expr.Compile(expression,
		expr.Env(helpers),
		expr.AllowUndefinedVariables(), // item fields are only known at run time
		expr.AsBool(),
	)
	if err != nil {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "failed to compile expression",
			Position:   -1,
			Err:        err,
		}
	}

	return &Filter{
		expression: expression,
		program:    program,
		helpers:    helpers,
	}, nil
}

// Expression returns the original expression
func (f *Filter) Expression() string {
	return f.expression
}

// Match evaluates the filter against a single item
func (f *Filter) Match(item any) (bool, error) {
	result, err := expr.Run(f.program, f.environment(item))
	if err != nil {
		return false, err
	}
	// a bare field missing from the item evaluates to nil: no match
	matched, ok := result.(bool)
	return ok && matched, nil
}

// Apply keeps the elements of a list payload the filter matches.
// A payload that is not a list is rejected.
func (f *Filter) Apply(data any) ([]any, error) {
	items, ok := data.([]any)
	if !ok {
		return nil, &EvaluationError{
			Expression: f.expression,
			Reason:     fmt.Sprintf("payload is %T, not a list", data),
			Index:      -1,
			Err:        ErrNotList,
		}
	}

	matched := make([]any, 0, len(items))
	for i, item := range items {
		ok, err := f.Match(item)
		if err != nil {
			return nil, &EvaluationError{
				Expression: f.expression,
				Reason:     "evaluation failed",
				Index:      i,
				Err:        err,
			}
		}
		if ok {
			matched = append(matched, item)
		}
	}

	return matched, nil
}

// environment builds the runtime environment for one item
func (f *Filter) environment(item any) map[string]any {
	env := make(map[string]any, len(f.helpers)+16)
	if fields, ok := item.(map[string]any); ok {
		maps.Copy(env, fields)
	}
	// helpers and item shadow fields of the same name
	maps.Copy(env, f.helpers)
	env[ItemKey] = item
	return env
}

// createHelperFunctions creates the static helper functions used during compilation
func createHelperFunctions() map[string]any {
	return map[string]any{
		// Case-insensitive variants of the contains/startsWith/endsWith operators
		"icontains": func(str, substr string) bool {
			return strings.Contains(strings.ToLower(str), strings.ToLower(substr))
		},
		"istartsWith": func(str, prefix string) bool {
			return strings.HasPrefix(strings.ToLower(str), strings.ToLower(prefix))
		},
		"iendsWith": func(str, suffix string) bool {
			return strings.HasSuffix(strings.ToLower(str), strings.ToLower(suffix))
		},
		// Size helpers for byte counts reported by the API
		"gib": func(bytes float64) float64 {
			return bytes / (1 << 30)
		},
		"mib": func(bytes float64) float64 {
			return bytes / (1 << 20)
		},
	}
}
