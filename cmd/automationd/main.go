package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airloft/automation/actions"
	"github.com/airloft/automation/config"
	"github.com/airloft/automation/db"
	"github.com/airloft/automation/delay"
	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/errors"
	"github.com/airloft/automation/feed"
	"github.com/airloft/automation/limits"
	"github.com/airloft/automation/logger"
	"github.com/airloft/automation/store"
	"github.com/airloft/automation/triggers"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "automationd",
	Short: "In-app automation engine daemon",
	Long: `automationd runs the in-app automation engine: it persists schedules,
counts automation events against their triggers, and executes schedule
payloads once triggers fire and readiness conditions hold.

Schedule and trigger state live in a sqlite database, so trigger counts
and in-flight executions survive restarts.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	log := logger.Logger.Named("automationd")

	conn, err := db.OpenWithMigrations(cfg.Database.Path, log.Named("db"))
	if err != nil {
		return err
	}
	defer conn.Close()

	scheduleStore := store.New(conn, log.Named("store"))
	triggerProcessor := triggers.NewProcessor(scheduleStore, nil, log.Named("triggers"))

	limitManager := limits.NewManager(conn, log.Named("limits"))
	constraints := make([]limits.Constraint, 0, len(cfg.Engine.Constraints))
	for _, c := range cfg.Engine.Constraints {
		constraints = append(constraints, limits.Constraint{ID: c.ID, Range: c.Range, Count: c.Count})
	}
	if len(constraints) > 0 {
		if err := limitManager.SetConstraints(cmd.Context(), constraints); err != nil {
			return err
		}
	}

	notifier := engine.NewConditionsChangedNotifier()
	delayProcessor := delay.NewProcessor(notifier, log.Named("delay"))

	registry := actions.NewRegistry()
	if err := registerBuiltinActions(registry, log.Named("actions")); err != nil {
		return err
	}
	executor := engine.NewExecutor(
		actions.NewDelegate(registry, log.Named("actions")),
		&displayDelegate{logger: log.Named("display")},
		nil,
		log.Named("executor"),
	)

	events := feed.New(cfg.Feed.Buffer, log.Named("feed"))

	eng := engine.New(engine.Config{
		Store:            scheduleStore,
		Executor:         executor,
		Preparer:         &preparer{limits: limitManager, logger: log.Named("prepare")},
		TriggerProcessor: triggerProcessor,
		DelayProcessor:   delayProcessor,
		Notifier:         notifier,
		Events:           events.Events(),
		Logger:           log.Named("engine"),
	})
	eng.SetEnginePaused(cfg.Engine.Paused)
	eng.SetExecutionPaused(cfg.Engine.ExecutionPaused)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start()
	log.Infow("Automation engine started", "database", cfg.Database.Path)

	<-ctx.Done()
	log.Infow("Shutting down")
	events.Close()
	eng.Stop()
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
