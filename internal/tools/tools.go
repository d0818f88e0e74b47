// Package tools holds the data-exploration tools the CLI registers.
package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Knetic/govaluate"
	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/adapters"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
	"golang.org/x/time/rate"
)

// Tool identifiers.
const (
	ListTablesTool = "sql_db_list_tables"
	QueryTool      = "sql_db_query"
	CalculateTool  = "calculate"
	VisionQATool   = "vision_qa"
)

// Options tunes the tool set.
type Options struct {
	// QueryRateLimit caps sql_db_query calls per second; zero disables the limit.
	QueryRateLimit float64
	// MaxRows caps the rows sql_db_query returns when the call gives no limit.
	MaxRows int
	Logger  *slog.Logger
}

// SetupTools creates every tool. db may be nil, in which case the SQL tools
// are left out.
func SetupTools(db *sql.DB, opts Options) []explorer.Tool {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 100
	}
	logger := logging.OrDiscard(opts.Logger)

	tools := []explorer.Tool{
		adapters.NewGoToolAdapter(
			CalculateTool,
			PerformCalculation,
			adapters.WithDescription("Calculates a mathematical expression."),
			adapters.WithCategory("Math"),
			adapters.WithParameters(map[string]string{
				"expression": "Expression to evaluate (e.g., 'total / count')",
				"variables":  "Optional map of variable values used by the expression",
			}),
			adapters.WithReturns("The numeric or boolean result under 'result'."),
			adapters.WithExamples([]string{
				`calculate {"expression": "5*9"}`,
				`calculate {"expression": "a / b", "variables": {"a": 10, "b": 4}}`,
			}),
			adapters.WithValidator(validateCalculationInput),
		),
		adapters.NewGoToolAdapter(
			VisionQATool,
			PerformVisionQA,
			adapters.WithDescription("Answers questions about an image or chart."),
			adapters.WithCategory("Vision"),
			adapters.WithParameters(map[string]string{
				"image":    "Image path or URL",
				"question": "Question about the image",
			}),
			adapters.WithReturns("A textual answer under 'answer'."),
		),
	}

	if db == nil {
		logger.Warn("No database configured; SQL tools are disabled")
		return tools
	}

	sqlTools := &SQLTools{db: db, maxRows: opts.MaxRows, logger: logger}
	queryOpts := []adapters.ToolOption{
		adapters.WithDescription("Runs a read-only SQL query against the database."),
		adapters.WithCategory("Database"),
		adapters.WithParameters(map[string]string{
			"sql":   "A single SELECT or WITH statement",
			"limit": "Maximum number of rows to return",
		}),
		adapters.WithReturns("columns, rows and row_count."),
		adapters.WithValidator(validateQueryInput),
	}
	if opts.QueryRateLimit > 0 {
		queryOpts = append(queryOpts, adapters.WithRateLimit(rate.Limit(opts.QueryRateLimit), 1))
	}

	return append(tools,
		adapters.NewGoToolAdapter(
			ListTablesTool,
			sqlTools.ListTables,
			adapters.WithDescription("Lists the tables in the database."),
			adapters.WithCategory("Database"),
			adapters.WithReturns("The table names under 'tables'."),
		),
		adapters.NewGoToolAdapter(QueryTool, sqlTools.Query, queryOpts...),
	)
}

// PerformCalculation evaluates the "expression" argument with govaluate.
// Variables come from the optional "variables" map and from any other
// numeric argument.
func PerformCalculation(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	expression, _ := input["expression"].(string)
	logging.FromContext(ctx).Debug("Calculating", "expression", expression)

	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, explorer.MarkPermanent(fmt.Errorf("invalid expression '%s': %w", expression, err))
	}

	params := map[string]interface{}{}
	for k, v := range input {
		if reservedCalcArgs[k] {
			continue
		}
		switch v.(type) {
		case float64, int, int64:
			params[k] = v
		}
	}
	if vars, ok := input["variables"].(map[string]interface{}); ok {
		for k, v := range vars {
			params[k] = v
		}
	}

	result, err := expr.Evaluate(params)
	if err != nil {
		return nil, explorer.MarkPermanent(fmt.Errorf("failed to evaluate '%s': %w", expression, err))
	}

	return map[string]interface{}{"result": result, "expression": expression}, nil
}

var reservedCalcArgs = map[string]bool{
	"expression":  true,
	"variables":   true,
	"query":       true,
	"plan":        true,
	"description": true,
}

// PerformVisionQA has no image backend and always fails permanently.
func PerformVisionQA(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return nil, explorer.MarkPermanent(errors.New("vision QA is not available: no image model is configured"))
}

// validateCalculationInput validates the input for the calculation tool.
func validateCalculationInput(input map[string]interface{}) error {
	expr, ok := input["expression"]
	if !ok {
		return fmt.Errorf("missing expression (expected at key 'expression')")
	}

	exprStr, ok := expr.(string)
	if !ok {
		return fmt.Errorf("expression must be a string, got %T", expr)
	}

	if len(strings.TrimSpace(exprStr)) == 0 {
		return fmt.Errorf("expression cannot be empty")
	}

	if len(exprStr) > 500 {
		return fmt.Errorf("expression too long (max 500 characters)")
	}

	if vars, ok := input["variables"]; ok && vars != nil {
		if _, isMap := vars.(map[string]interface{}); !isMap {
			return fmt.Errorf("variables must be a map, got %T", vars)
		}
	}

	return nil
}

// validateQueryInput validates the input for the SQL query tool.
func validateQueryInput(input map[string]interface{}) error {
	raw, ok := input["sql"]
	if !ok {
		return fmt.Errorf("missing SQL statement (expected at key 'sql')")
	}

	stmt, ok := raw.(string)
	if !ok {
		return fmt.Errorf("sql must be a string, got %T", raw)
	}

	if !isReadOnly(stmt) {
		return fmt.Errorf("only SELECT and WITH statements are allowed")
	}

	if limit, ok := input["limit"]; ok {
		if _, err := toInt(limit); err != nil {
			return fmt.Errorf("limit: %w", err)
		}
	}

	return nil
}
