package executor

import (
	"fmt"
	"strconv"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
)

// Context arguments every tool receives unless its step overrides them.
const (
	ArgQuery       = "query"
	ArgPlan        = "plan"
	ArgDescription = "description"
)

// resolveArguments builds the input map for toolName. The step's query, plan
// text and description are always passed through; per-tool argument sources
// from step.Args are resolved on top of them.
func resolveArguments(toolName string, step explorer.Step, outputs map[string]map[string]interface{}) (map[string]interface{}, error) {
	sources := step.Args[toolName]
	resolved := make(map[string]interface{}, len(sources)+3)
	resolved[ArgQuery] = step.Query
	resolved[ArgPlan] = step.PlanText
	if step.Description != "" {
		resolved[ArgDescription] = step.Description
	}

	vars := map[string]interface{}{
		ArgQuery:       step.Query,
		ArgPlan:        step.PlanText,
		ArgDescription: step.Description,
	}

	for argName, argSource := range sources {
		value, err := resolveArgument(toolName, argName, argSource, step, outputs, vars)
		if err != nil {
			if argSource.Required {
				return nil, err
			}
			if argSource.DefaultValue != nil {
				resolved[argName] = argSource.DefaultValue
			}
			continue
		}
		resolved[argName] = value
	}

	return resolved, nil
}

func resolveArgument(toolName, argName string, src explorer.ArgumentSource, step explorer.Step,
	outputs map[string]map[string]interface{}, vars map[string]interface{}) (interface{}, error) {

	switch src.Type {
	case explorer.ArgumentSourceLiteral:
		return src.Value, nil

	case explorer.ArgumentSourceQuery:
		return step.Query, nil

	case explorer.ArgumentSourcePlan:
		return step.PlanText, nil

	case explorer.ArgumentSourceDescription:
		return step.Description, nil

	case explorer.ArgumentSourceToolOutput:
		return resolveToolOutput(toolName, argName, src, outputs)

	case explorer.ArgumentSourceExpression:
		if src.Expression == "" {
			return nil, explorer.NewArgResolutionError("execution", toolName, argName, fmt.Errorf("empty expression"))
		}
		value, err := EvaluateExpression(src.Expression, outputs, vars)
		if err != nil {
			return nil, explorer.NewArgResolutionError("execution", toolName, argName, err)
		}
		return value, nil

	default:
		return nil, explorer.NewArgResolutionError("execution", toolName, argName,
			fmt.Errorf("unknown argument source type '%s'", src.Type))
	}
}

// resolveToolOutput reads an argument from the latest output of a tool that
// ran in an earlier step. An empty field name or "*" selects the whole output.
func resolveToolOutput(toolName, argName string, src explorer.ArgumentSource, outputs map[string]map[string]interface{}) (interface{}, error) {
	out, ok := outputs[src.ToolName]
	if !ok {
		return nil, explorer.NewArgResolutionError("execution", toolName, argName,
			fmt.Errorf("no output recorded for tool '%s'", src.ToolName))
	}

	field := src.OutputFieldName
	if field == "" || field == "*" {
		return out, nil
	}

	value, ok := out[field]
	if ok {
		return value, nil
	}

	// "rows.0" style access into a list field.
	if base, idx, found := splitIndex(field); found {
		if arr, ok := asSlice(out[base]); ok && idx >= 0 && idx < len(arr) {
			return arr[idx], nil
		}
	}

	return nil, explorer.NewArgResolutionError("execution", toolName, argName,
		fmt.Errorf("output field '%s' not found in result of tool '%s'", field, src.ToolName))
}

func splitIndex(field string) (string, int, bool) {
	for i := len(field) - 1; i > 0; i-- {
		if field[i] == '.' {
			idx, err := strconv.Atoi(field[i+1:])
			if err != nil {
				return "", 0, false
			}
			return field[:i], idx, true
		}
	}
	return "", 0, false
}
