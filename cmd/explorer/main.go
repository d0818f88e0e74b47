// Command explorer runs data-exploration plans against a SQLite database.
//
//	explorer -db shop.db plans/*.yaml              run each plan file
//	explorer -db shop.db -query "..." plans/*.yaml answer a query with the matching plan
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/sync/errgroup"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/adapters"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/cache"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/executor"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/registry"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/scheduler"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/tools"
)

type cliFlags struct {
	configPath string
	dbPath     string
	query      string
	resume     int
	logLevel   string
	logFormat  string
	rateLimit  float64
	planFiles  []string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to a YAML or TOML config file")
	flag.StringVar(&f.dbPath, "db", "", "SQLite database for the SQL tools (omit to disable them)")
	flag.StringVar(&f.query, "query", "", "Answer this query with the plan file whose query matches")
	flag.IntVar(&f.resume, "resume", 0, "Step index to resume plan files from")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format: text or json (overrides config)")
	flag.Float64Var(&f.rateLimit, "query-rate", 5, "Max sql_db_query calls per second (0 disables)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] plan.yaml...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	f.planFiles = flag.Args()
	return f
}

func main() {
	f := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		fmt.Fprintln(os.Stderr, "explorer:", err)
		os.Exit(1)
	}
}

func loadConfig(f cliFlags) (explorer.Config, error) {
	cfg := explorer.DefaultConfig()
	if f.configPath != "" {
		loaded, err := explorer.LoadConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, f cliFlags) error {
	if len(f.planFiles) == 0 {
		flag.Usage()
		return errors.New("at least one plan file is required")
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	g, err := genkit.Init(ctx)
	if err != nil {
		return fmt.Errorf("genkit initialization failed: %w", err)
	}

	var toolOpts = tools.Options{QueryRateLimit: f.rateLimit, Logger: logger}
	var dbTools []explorer.Tool
	if f.dbPath != "" {
		db, err := tools.OpenDatabase(ctx, f.dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		dbTools = tools.SetupTools(db, toolOpts)
	} else {
		dbTools = tools.SetupTools(nil, toolOpts)
	}

	reg, err := registry.New(logger, dbTools...)
	if err != nil {
		return err
	}
	logger.Info("Tools registered", "tools", reg.Names())

	var bus eventbus.EventBus
	if cfg.EnableEventBus {
		channelBus := eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBusBufferSize),
			eventbus.WithWorkerCount(cfg.EventBusWorkerCount),
			eventbus.WithLogger(logger),
		)
		defer channelBus.Close()
		if _, err := channelBus.SubscribeAll(func(_ context.Context, e eventbus.Event) error {
			logger.Debug("Event", "type", e.Type(), "source", e.Source(), "metadata", e.Metadata())
			return nil
		}); err != nil {
			return err
		}
		bus = channelBus
	}

	stepExecutor := executor.NewExecutor(reg,
		executor.WithConfig(cfg),
		executor.WithLogger(logger),
		executor.WithEventBus(bus),
	)
	planScheduler := scheduler.New(stepExecutor,
		scheduler.WithConfig(cfg),
		scheduler.WithLogger(logger),
		scheduler.WithEventBus(bus),
	)

	joinerFlow := genkit.DefineFlow(g, "joinerFlow",
		func(ctx context.Context, input *adapters.AggregatorInput) (string, error) {
			return adapters.SummarizeOutcome(input.Query, input.Outcome), nil
		})

	options := []explorer.Option{
		explorer.WithConfig(cfg),
		explorer.WithRunner(planScheduler),
		explorer.WithAggregator(adapters.NewGenkitAggregatorAdapter(joinerFlow)),
		explorer.WithTools(reg),
		explorer.WithLogger(logger),
		explorer.WithEventBus(bus),
	}

	if f.query != "" {
		planner, closeCache, err := newPlanner(g, cfg, logger, f.planFiles)
		if err != nil {
			return err
		}
		defer closeCache()
		options = append(options, explorer.WithPlanner(planner))
	}

	agent, err := explorer.New(options...)
	if err != nil {
		return err
	}
	defer agent.Close()

	if f.query != "" {
		result, err := agent.Process(ctx, f.query)
		if err != nil {
			return err
		}
		fmt.Println(result.Answer)
		return nil
	}
	return runPlanFiles(ctx, agent, cfg, f)
}

// newPlanner wraps the plan files in a genkit planner flow with a plan cache.
func newPlanner(g *genkit.Genkit, cfg explorer.Config, logger *slog.Logger, planFiles []string) (explorer.Planner, func(), error) {
	filePlanner, err := adapters.NewFilePlanner(planFiles...)
	if err != nil {
		return nil, nil, err
	}

	plannerFlow := genkit.DefineFlow(g, "plannerFlow",
		func(ctx context.Context, input *explorer.PlannerInput) (*explorer.Plan, error) {
			return filePlanner.GeneratePlan(ctx, *input)
		})

	if cfg.PlanCachePath != "" {
		fileCache, err := cache.NewFilePersistentCache(cfg.PlanCacheTTL, cfg.PlanCachePath, cache.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return adapters.NewGenkitPlannerAdapter(plannerFlow, fileCache, logger), func() { fileCache.Close() }, nil
	}

	memCache := cache.NewInMemoryCache(cfg.PlanCacheTTL, cache.WithLogger(logger))
	return adapters.NewGenkitPlannerAdapter(plannerFlow, memCache, logger), func() { memCache.Close() }, nil
}

// runPlanFiles executes every plan file concurrently and prints the answers
// in argument order.
func runPlanFiles(ctx context.Context, agent *explorer.Agent, cfg explorer.Config, f cliFlags) error {
	results := make([]*explorer.Result, len(f.planFiles))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.MaxConcurrentRequests)
	for i, path := range f.planFiles {
		i, path := i, path
		eg.Go(func() error {
			plan, err := executor.LoadAndValidatePlan(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			result, err := agent.ProcessPlan(egCtx, plan.Query, plan, f.resume)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, result := range results {
		fmt.Printf("== %s (run %s, %s)\n", f.planFiles[i], result.RunID, result.Duration.Round(time.Millisecond))
		fmt.Println(result.Answer)
	}
	return nil
}
