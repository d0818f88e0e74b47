package executor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

// ExpressionFunctionRegistry holds the functions expressions may call.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: builtinFunctions()}

// RegisterExpressionFunction makes fn callable by name from expression arguments.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// getWhitelistedFunctions returns a copy of the registered functions.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	whitelist := make(map[string]govaluate.ExpressionFunction, len(globalExprFuncRegistry.functions))
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"len": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
			}
			switch v := args[0].(type) {
			case string:
				return float64(len(v)), nil
			case []interface{}:
				return float64(len(v)), nil
			case []string:
				return float64(len(v)), nil
			case map[string]interface{}:
				return float64(len(v)), nil
			default:
				return nil, fmt.Errorf("len: unsupported type %T", v)
			}
		},
		"round": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("round expects 1 argument, got %d", len(args))
			}
			f, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("round: expected number, got %T", args[0])
			}
			return math.Round(f), nil
		},
	}
}

// ValidateExpression checks that expr parses. References are not resolved.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(rewriteReferences(expr), getWhitelistedFunctions())
	return err
}

var (
	referenceRe = regexp.MustCompile(`\$([a-zA-Z0-9_]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)`)
	accessorRe  = regexp.MustCompile(`(\.[a-zA-Z0-9_]+|\[[0-9]+\])`)
)

// EvaluateExpression evaluates expr with govaluate. References of the form
// $tool, $tool.field or $tool.field[0] read from outputs; extra variables
// (query, plan, description) are visible by bare name.
func EvaluateExpression(expr string, outputs map[string]map[string]interface{}, vars map[string]interface{}) (interface{}, error) {
	variables := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		variables[k] = v
	}

	var missing []string
	replaced := referenceRe.ReplaceAllStringFunc(expr, func(matched string) string {
		m := referenceRe.FindStringSubmatch(matched)
		val, ok := lookupReference(outputs, m[1], accessorRe.FindAllString(m[2], -1))
		if !ok {
			missing = append(missing, matched)
		}
		name := referenceVar(m[1], m[2])
		variables[name] = val
		return name
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved references in expression %q: %s", expr, strings.Join(missing, ", "))
	}

	evalExpr, err := govaluate.NewEvaluableExpressionWithFunctions(replaced, getWhitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression %q: %w", expr, err)
	}
	result, err := evalExpr.Evaluate(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return result, nil
}

// rewriteReferences replaces $references with plain variable names.
func rewriteReferences(expr string) string {
	return referenceRe.ReplaceAllStringFunc(expr, func(matched string) string {
		m := referenceRe.FindStringSubmatch(matched)
		return referenceVar(m[1], m[2])
	})
}

func referenceVar(tool, accessors string) string {
	r := strings.NewReplacer(".", "_", "[", "_", "]", "")
	return "ref_" + tool + r.Replace(accessors)
}

func lookupReference(outputs map[string]map[string]interface{}, tool string, accessors []string) (interface{}, bool) {
	out, ok := outputs[tool]
	if !ok {
		return nil, false
	}
	var val interface{} = out
	for _, acc := range accessors {
		if strings.HasPrefix(acc, ".") {
			m, ok := asMap(val)
			if !ok {
				return nil, false
			}
			if val, ok = m[acc[1:]]; !ok {
				return nil, false
			}
			continue
		}
		idx, err := strconv.Atoi(acc[1 : len(acc)-1])
		if err != nil {
			return nil, false
		}
		arr, ok := asSlice(val)
		if !ok || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		val = arr[idx]
	}
	return normalizeNumber(val), true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []map[string]interface{}:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []string:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}

// normalizeNumber converts integer kinds to float64, which govaluate requires
// for arithmetic.
func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return v
}
