package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/lanepipe"
	"github.com/deepnoodle-ai/lanepipe/cache"
	"github.com/deepnoodle-ai/lanepipe/pool"
	"github.com/deepnoodle-ai/lanepipe/recovery"
	"github.com/deepnoodle-ai/lanepipe/tools"
	"github.com/deepnoodle-ai/lanepipe/vcs"
	"github.com/fatih/color"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(args[1:])
	case "status":
		err = statusCommand(args[1:])
	case "checkpoint":
		err = checkpointCommand(args[1:])
	case "recovery":
		err = recoveryCommand(args[1:])
	case "cache":
		err = cacheCommand(args[1:])
	default:
		color.Red("Error: unknown command %q", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `lanepipe - lane-based change pipeline orchestrator

Usage: %s <command> [options]

Commands:
  run                  Run a change through the pipeline
  status               Show the current status file
  checkpoint list      List checkpoints
  checkpoint restore   Restore a checkpoint into the work root
  checkpoint cleanup   Remove checkpoints past the retention period
  recovery plan        Show the recovery plan for a failure type
  cache metrics        Show cache counters
  cache clear          Empty every cache level
  cache cleanup        Remove expired cache entries

Examples:
  # Run a change on the standard lane
  %s run -lane standard

  # Resume a crashed run from its latest checkpoint
  %s run -change-id chg_01h2x -lane strict -resume

  # Show which stages a lane would run
  %s run -lane light -dry-run

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".lanepipe"
	}
	return filepath.Join(homeDir, ".lanepipe")
}

func setupLogger(verbose, jsonOutput bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	if jsonOutput {
		return lanepipe.NewJSONLogger(level)
	}
	return lanepipe.NewLogger(level)
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	changeID := flags.String("change-id", "", "Change identifier (generated when empty)")
	laneName := flags.String("lane", "standard", "Lane: light, standard, or strict")
	pipelineFile := flags.String("pipeline", "", "YAML pipeline definition (built-in pipeline when empty)")
	workRoot := flags.String("work", ".", "Working directory stages operate in")
	dataDir := flags.String("data", defaultDataDir(), "Data directory for checkpoints and cache")
	resume := flags.Bool("resume", false, "Resume from the latest checkpoint")
	dryRun := flags.Bool("dry-run", false, "Show the stage plan without executing")
	timeout := flags.Duration("timeout", 0, "Overall run timeout (e.g. 10m)")
	jsonOutput := flags.Bool("json", false, "Output results in JSON format")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	flags.Parse(args)

	lane, err := lanepipe.ParseLane(*laneName)
	if err != nil {
		return err
	}
	config, err := lanepipe.ConfigForLane(lane)
	if err != nil {
		return err
	}

	pipeline := lanepipe.DefaultPipeline()
	if *pipelineFile != "" {
		pipeline, err = lanepipe.LoadPipelineFile(*pipelineFile)
		if err != nil {
			return err
		}
	}

	if *dryRun {
		stages, err := lanepipe.StagesForLane(pipeline, lane)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(stages)
		}
		color.Cyan("Lane %s runs %d of %d stages:", lane, len(stages), len(pipeline.Stages()))
		for _, stage := range stages {
			gates := ""
			if len(stage.Gates) > 0 && config.GatesEnabled {
				gates = fmt.Sprintf("  gates: %v", stage.Gates)
			}
			fmt.Printf("  %2d. %s%s\n", stage.Number, stage.Name, gates)
		}
		return nil
	}

	logger := setupLogger(*verbose, *jsonOutput)

	checkpoints, err := lanepipe.NewFileCheckpointStore(filepath.Join(*dataDir, "checkpoints"))
	if err != nil {
		return err
	}

	runCache, err := cache.New(cache.Options{
		Dir:           filepath.Join(*dataDir, "cache"),
		MemoryEntries: config.Cache.MemoryEntries,
		DiskEntries:   config.Cache.DiskEntries,
		Persistent:    config.Cache.Persistent,
		DefaultTTL:    config.Cache.DefaultTTL,
		SweepInterval: time.Minute,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer runCache.Close()

	workerPool, err := pool.New(pool.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer workerPool.Shutdown(10 * time.Second)

	var inspector vcs.Inspector = vcs.NewGitInspector()
	if _, err := vcs.NewGitInspector().Inspect(*workRoot); err != nil {
		inspector = vcs.NewNullInspector()
	}

	executor, err := lanepipe.NewExecutor(lanepipe.ExecutorOptions{
		Pipeline:    pipeline,
		Checkpoints: checkpoints,
		Tools:       tools.NewRunner(tools.RunnerOptions{Timeout: config.ToolTimeout, Logger: logger}),
		Pool:        workerPool,
		Recovery:    recovery.NewManager(recovery.ManagerOptions{Logger: logger}),
		Cache:       runCache,
		Inspector:   inspector,
		Conditions:  lanepipe.ConditionEngine(),
		WorkRoot:    *workRoot,
		StatusPath:  filepath.Join(*dataDir, "status.json"),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	color.Blue("Running lane %s in %s", lane, *workRoot)
	startTime := time.Now()
	state, runErr := executor.Run(ctx, lanepipe.RunOptions{
		ChangeID: *changeID,
		Lane:     lane,
		Resume:   *resume,
	})
	duration := time.Since(startTime)

	return showRunResults(state, runErr, duration, *jsonOutput)
}

func showRunResults(state *lanepipe.WorkflowState, runErr error, duration time.Duration, jsonOutput bool) error {
	if jsonOutput {
		if err := printJSON(state.Snapshot()); err != nil {
			return err
		}
		return runErr
	}

	for _, result := range state.Results() {
		mark := color.GreenString("ok")
		switch result.Status {
		case lanepipe.StageFailed:
			mark = color.RedString("failed")
		case lanepipe.StageSkipped:
			mark = color.YellowString("skipped")
		}
		sla := ""
		if result.SLAViolated {
			sla = color.YellowString("  [SLA %s]", result.ViolationSeverity)
		}
		fmt.Printf("  %2d. %-20s %-8s %8s%s\n",
			result.StageNumber, result.StageName, mark,
			result.Duration.Round(time.Millisecond), sla)
	}

	color.White("Change %s finished in %v", state.ChangeID(), duration.Round(time.Millisecond))
	if runErr != nil {
		color.Red("Status: %s", state.Status())
		if plan := state.RecoveryPlan(); plan != nil {
			color.Yellow("Recovery: %s (%s)", plan.Strategy, plan.FailureType)
			for _, step := range plan.Steps {
				fmt.Printf("  - %s (~%s)\n", step.Action, step.EstimatedTime)
			}
		}
		return runErr
	}
	color.Green("Status: %s", state.Status())
	return nil
}

func statusCommand(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Data directory")
	jsonOutput := flags.Bool("json", false, "Output in JSON format")
	flags.Parse(args)

	doc, err := lanepipe.ReadStatusFile(filepath.Join(*dataDir, "status.json"))
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(doc)
	}

	color.Cyan("Change %s  lane %s  status %s  (updated %s)",
		doc.Workflow.ChangeID, doc.Workflow.Lane, doc.Workflow.Status,
		doc.UpdatedAt.Format(time.RFC3339))
	for _, result := range doc.Workflow.StageResults {
		fmt.Printf("  %2d. %-20s %s\n", result.StageNumber, result.StageName, result.Status)
	}
	for _, running := range doc.Running {
		color.Blue("  %2d. %-20s running since %s",
			running.StageNumber, running.StageName, running.StartTime.Format(time.RFC3339))
	}
	return nil
}

func checkpointCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("checkpoint requires a subcommand: list, restore, or cleanup")
	}
	switch args[0] {
	case "list":
		return checkpointListCommand(args[1:])
	case "restore":
		return checkpointRestoreCommand(args[1:])
	case "cleanup":
		return checkpointCleanupCommand(args[1:])
	default:
		return fmt.Errorf("unknown checkpoint subcommand %q", args[0])
	}
}

func openCheckpointStore(dataDir string) (*lanepipe.FileCheckpointStore, error) {
	return lanepipe.NewFileCheckpointStore(filepath.Join(dataDir, "checkpoints"))
}

func checkpointListCommand(args []string) error {
	flags := flag.NewFlagSet("checkpoint list", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Data directory")
	changeID := flags.String("change-id", "", "Only checkpoints for this change")
	jsonOutput := flags.Bool("json", false, "Output in JSON format")
	flags.Parse(args)

	store, err := openCheckpointStore(*dataDir)
	if err != nil {
		return err
	}
	summaries, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if *changeID != "" {
		filtered := summaries[:0]
		for _, summary := range summaries {
			if summary.ChangeID == *changeID {
				filtered = append(filtered, summary)
			}
		}
		summaries = filtered
	}

	if *jsonOutput {
		return printJSON(summaries)
	}
	if len(summaries) == 0 {
		color.Yellow("No checkpoints found")
		return nil
	}
	for _, summary := range summaries {
		status := color.GreenString("ok")
		if !summary.Success {
			status = color.RedString("failed")
		}
		fmt.Printf("  %-32s %-12s stage %2d %-20s %s  %s\n",
			summary.ID, summary.ChangeID, summary.StageNumber, summary.StageName,
			status, summary.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func checkpointRestoreCommand(args []string) error {
	flags := flag.NewFlagSet("checkpoint restore", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Data directory")
	checkpointID := flags.String("checkpoint-id", "", "Checkpoint ID to restore (required)")
	workRoot := flags.String("work", ".", "Working directory to restore into")
	flags.Parse(args)

	if *checkpointID == "" {
		color.Red("Error: -checkpoint-id is required")
		os.Exit(2)
	}

	store, err := openCheckpointStore(*dataDir)
	if err != nil {
		return err
	}
	snapshot, err := store.Restore(context.Background(), *checkpointID, *workRoot)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(2)
	}
	color.Green("Restored checkpoint %s (change %s, %d stage results)",
		*checkpointID, snapshot.ChangeID, len(snapshot.StageResults))
	return nil
}

func checkpointCleanupCommand(args []string) error {
	flags := flag.NewFlagSet("checkpoint cleanup", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Data directory")
	maxAge := flags.Duration("max-age", lanepipe.DefaultRetention, "Remove checkpoints older than this")
	flags.Parse(args)

	store, err := openCheckpointStore(*dataDir)
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(context.Background(), *maxAge)
	if err != nil {
		return err
	}
	color.Green("Removed %d checkpoints older than %s", removed, maxAge)
	return nil
}

func recoveryCommand(args []string) error {
	if len(args) == 0 || args[0] != "plan" {
		return fmt.Errorf("recovery requires the plan subcommand")
	}
	flags := flag.NewFlagSet("recovery plan", flag.ExitOnError)
	failureName := flags.String("failure-type", "", "Failure type to plan for (required)")
	laneName := flags.String("lane", "standard", "Lane the failure occurred on")
	jsonOutput := flags.Bool("json", false, "Output in JSON format")
	flags.Parse(args[1:])

	failureType, ok := recovery.ParseFailureType(*failureName)
	if !ok {
		return fmt.Errorf("unknown failure type %q", *failureName)
	}
	plan := recovery.PlanFor(failureType, *laneName)

	if *jsonOutput {
		return printJSON(plan)
	}
	color.Cyan("Failure: %s", plan.FailureType)
	color.White("Strategy: %s (fallbacks: %v)", plan.Strategy, plan.Strategies)
	for _, step := range plan.Steps {
		fmt.Printf("  - %s (~%s)\n", step.Action, step.EstimatedTime)
	}
	return nil
}

func cacheCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("cache requires a subcommand: metrics, clear, or cleanup")
	}
	sub := args[0]

	flags := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "Data directory")
	laneName := flags.String("lane", "standard", "Lane whose cache limits apply")
	jsonOutput := flags.Bool("json", false, "Output in JSON format")
	flags.Parse(args[1:])

	lane, err := lanepipe.ParseLane(*laneName)
	if err != nil {
		return err
	}
	config, err := lanepipe.ConfigForLane(lane)
	if err != nil {
		return err
	}
	// Opening the disk level resets it, which only the destructive clear
	// command may do; metrics and cleanup observe a fresh process and are
	// scoped to the persistent level.
	diskEntries := config.Cache.DiskEntries
	if sub != "clear" {
		diskEntries = 0
	}
	laneCache, err := cache.New(cache.Options{
		Dir:           filepath.Join(*dataDir, "cache"),
		MemoryEntries: config.Cache.MemoryEntries,
		DiskEntries:   diskEntries,
		Persistent:    config.Cache.Persistent,
		DefaultTTL:    config.Cache.DefaultTTL,
	})
	if err != nil {
		return err
	}
	defer laneCache.Close()

	switch sub {
	case "metrics":
		metrics := laneCache.Metrics()
		if *jsonOutput {
			return printJSON(metrics)
		}
		color.Cyan("Cache metrics (lane %s)", lane)
		fmt.Printf("  hits: %d  misses: %d  evictions: %d  hit rate: %.1f%%\n",
			metrics.Hits, metrics.Misses, metrics.Evictions, metrics.HitRate*100)
		for level, count := range metrics.Entries {
			fmt.Printf("  %s entries: %d\n", level, count)
		}
		return nil
	case "clear":
		if err := laneCache.ClearAll(); err != nil {
			return err
		}
		color.Green("Cache cleared")
		return nil
	case "cleanup":
		removed := laneCache.Sweep()
		color.Green("Removed %d expired entries", removed)
		return nil
	default:
		return fmt.Errorf("unknown cache subcommand %q", sub)
	}
}
