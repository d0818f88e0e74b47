package executor

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"gopkg.in/yaml.v3"
)

// PlanFile is the on-disk form of a plan.
//
//	name: monthly-sales
//	query: Which region sold most in March?
//	text: List tables, then query sales by region.
//	steps:
//	  - tools: [sql_db_list_tables]
//	  - tools: [sql_db_query]
//	    args:
//	      sql_db_query:
//	        sql: "SELECT region, SUM(total) FROM sales GROUP BY region"
//	        tables: $sql_db_list_tables.tables
type PlanFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Query       string         `yaml:"query"`
	Text        string         `yaml:"text"`
	Steps       []PlanFileStep `yaml:"steps"`
}

// PlanFileStep is one step of a PlanFile. Args maps tool name to argument
// name to either a shorthand value or a full ArgumentSource mapping.
type PlanFileStep struct {
	Tools       []string                          `yaml:"tools"`
	Description string                            `yaml:"description"`
	Query       string                            `yaml:"query"`
	Args        map[string]map[string]interface{} `yaml:"args"`
}

// PlanFileLoader loads a PlanFile from a source (e.g., a file path).
type PlanFileLoader interface {
	Load(source string) (*PlanFile, error)
	Format() string // e.g., "yaml"
}

// loaderRegistry holds registered PlanFileLoaders by format name.
var loaderRegistry = make(map[string]PlanFileLoader)

// RegisterPlanFileLoader registers a new PlanFileLoader for a given format.
func RegisterPlanFileLoader(loader PlanFileLoader) {
	loaderRegistry[loader.Format()] = loader
}

// GetPlanFileLoader retrieves a loader by format name (e.g., "yaml").
func GetPlanFileLoader(format string) (PlanFileLoader, bool) {
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader implements PlanFileLoader for YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Load(path string) (*PlanFile, error) {
	return LoadPlanFile(path)
}

func (YAMLLoader) Format() string { return "yaml" }

func init() {
	RegisterPlanFileLoader(YAMLLoader{})
}

// LoadPlanFile parses a YAML plan file.
func LoadPlanFile(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	return ParsePlanFile(data)
}

// ParsePlanFile parses YAML plan bytes. Unknown fields are rejected.
func ParsePlanFile(data []byte) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	return &pf, nil
}

// toArgumentSource converts a YAML argument value to an ArgumentSource.
// Shorthands:
//
//	$query, $plan, $description   step context
//	$tool.field                   output field of an earlier tool ($tool alone for the whole output)
//	=expression                   govaluate expression
//
// A mapping with a "type" key is decoded as a full ArgumentSource. Anything
// else is a literal.
func toArgumentSource(arg interface{}) (explorer.ArgumentSource, error) {
	switch v := arg.(type) {
	case string:
		switch {
		case v == "$query":
			return explorer.ArgumentSource{Type: explorer.ArgumentSourceQuery}, nil
		case v == "$plan":
			return explorer.ArgumentSource{Type: explorer.ArgumentSourcePlan}, nil
		case v == "$description":
			return explorer.ArgumentSource{Type: explorer.ArgumentSourceDescription}, nil
		case strings.HasPrefix(v, "$") && len(v) > 1:
			tool, field, _ := strings.Cut(v[1:], ".")
			return explorer.ArgumentSource{
				Type:            explorer.ArgumentSourceToolOutput,
				ToolName:        tool,
				OutputFieldName: field,
				Required:        true,
			}, nil
		case strings.HasPrefix(v, "=") && len(v) > 1:
			return explorer.ArgumentSource{
				Type:       explorer.ArgumentSourceExpression,
				Expression: strings.TrimSpace(v[1:]),
				Required:   true,
			}, nil
		}
	case map[string]interface{}:
		if _, ok := v["type"]; ok {
			raw, err := yaml.Marshal(v)
			if err != nil {
				return explorer.ArgumentSource{}, err
			}
			var src explorer.ArgumentSource
			if err := yaml.Unmarshal(raw, &src); err != nil {
				return explorer.ArgumentSource{}, err
			}
			return src, nil
		}
	}
	return explorer.ArgumentSource{Type: explorer.ArgumentSourceLiteral, Value: arg}, nil
}

var knownSourceTypes = map[explorer.ArgumentSourceType]bool{
	explorer.ArgumentSourceLiteral:     true,
	explorer.ArgumentSourceQuery:       true,
	explorer.ArgumentSourcePlan:        true,
	explorer.ArgumentSourceDescription: true,
	explorer.ArgumentSourceToolOutput:  true,
	explorer.ArgumentSourceExpression:  true,
}

// Validate checks that every step names at least one tool, that argument
// sources are well formed and that expressions parse. Whether the tools exist
// is decided at execution time.
func (pf *PlanFile) Validate() error {
	if len(pf.Steps) == 0 {
		return fmt.Errorf("plan file has no steps")
	}
	for i, step := range pf.Steps {
		if len(step.Tools) == 0 {
			return fmt.Errorf("step %d has an empty tool group", i)
		}
		for j, tool := range step.Tools {
			if strings.TrimSpace(tool) == "" {
				return fmt.Errorf("step %d: tool %d has an empty name", i, j)
			}
		}
		for tool, args := range step.Args {
			for argName, raw := range args {
				src, err := toArgumentSource(raw)
				if err != nil {
					return fmt.Errorf("step %d: argument '%s' of tool '%s': %w", i, argName, tool, err)
				}
				if !knownSourceTypes[src.Type] {
					return fmt.Errorf("step %d: argument '%s' of tool '%s' has unknown source type '%s'", i, argName, tool, src.Type)
				}
				if src.Type == explorer.ArgumentSourceToolOutput && src.ToolName == "" {
					return fmt.Errorf("step %d: argument '%s' of tool '%s' references no tool", i, argName, tool)
				}
				if src.Type == explorer.ArgumentSourceExpression {
					if err := ValidateExpression(src.Expression); err != nil {
						return fmt.Errorf("step %d: argument '%s' of tool '%s': invalid expression: %w", i, argName, tool, err)
					}
				}
			}
		}
	}
	return nil
}

// ToPlan converts the file into a Plan. Validate should be called first.
func (pf *PlanFile) ToPlan() (*explorer.Plan, error) {
	steps := make([]explorer.Step, 0, len(pf.Steps))
	for i, fs := range pf.Steps {
		step := explorer.Step{
			Tools:       fs.Tools,
			Description: fs.Description,
			Query:       fs.Query,
		}
		if len(fs.Args) > 0 {
			step.Args = make(map[string]map[string]explorer.ArgumentSource, len(fs.Args))
			for tool, args := range fs.Args {
				converted := make(map[string]explorer.ArgumentSource, len(args))
				for argName, raw := range args {
					src, err := toArgumentSource(raw)
					if err != nil {
						return nil, fmt.Errorf("step %d: argument '%s' of tool '%s': %w", i, argName, tool, err)
					}
					converted[argName] = src
				}
				step.Args[tool] = converted
			}
		}
		steps = append(steps, step)
	}
	return explorer.NewPlan(pf.Query, pf.Text, steps), nil
}

// LoadAndValidatePlan loads a plan file with the YAML loader, validates it and
// converts it into a Plan.
func LoadAndValidatePlan(path string) (*explorer.Plan, error) {
	loader, ok := GetPlanFileLoader("yaml")
	if !ok {
		return nil, fmt.Errorf("no YAML plan loader registered")
	}

	pf, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return pf.ToPlan()
}
