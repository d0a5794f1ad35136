package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/advisor"
	"github.com/ShayCichocki/buildfix/internal/breaker"
	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/checkpoint"
	"github.com/ShayCichocki/buildfix/internal/config"
	"github.com/ShayCichocki/buildfix/internal/exec"
	"github.com/ShayCichocki/buildfix/internal/ledger"
	"github.com/ShayCichocki/buildfix/internal/logging"
	"github.com/ShayCichocki/buildfix/internal/metrics"
	"github.com/ShayCichocki/buildfix/internal/orchestrator"
	"github.com/ShayCichocki/buildfix/internal/orchestrator/policy"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/internal/state"
	"github.com/ShayCichocki/buildfix/internal/statusapi"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// runFlags holds the flags of the run command.
type runFlags struct {
	maxConcurrent int
	timeoutSecs   int
	retries       int
	noCache       bool
	resume        string
	dryRun        bool
	registryPath  string
	tui           bool
	statusAddr    string
	resetBreakers bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [smart|full|minimal|sequential]",
	Short: "Run the task registry",
	Long: `Run every task in the registry, tier by tier.

Modes:
  smart       Skip tasks whose error source is empty (default)
  full        Run every task
  minimal     Run tier 1 tasks only
  sequential  Run one unit at a time

Exit status is 0 when every task that ran completed, 3 when the run was
interrupted, and 10 plus the number of failed tasks otherwise.

Examples:
  buildfix run
  buildfix run full --max-concurrent 8
  buildfix run --resume latest
  buildfix run --dry-run minimal`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runOpts.maxConcurrent, "max-concurrent", 0, "Maximum concurrently running units (default from config)")
	f.IntVar(&runOpts.timeoutSecs, "timeout", 0, "Per-execution timeout in seconds (default from config)")
	f.IntVar(&runOpts.retries, "retries", 0, "Maximum attempts per unit (default from config)")
	f.BoolVar(&runOpts.noCache, "no-cache", false, "Wipe the result cache and run without it")
	f.StringVar(&runOpts.resume, "resume", "", "Resume from a checkpoint ID or \"latest\"")
	f.BoolVar(&runOpts.dryRun, "dry-run", false, "Schedule without invoking executors")
	f.StringVar(&runOpts.registryPath, "registry", "", "Task registry file (default .buildfix/tasks.yaml)")
	f.BoolVar(&runOpts.tui, "tui", false, "Show the live dashboard")
	f.StringVar(&runOpts.statusAddr, "status-addr", "", "Serve the HTTP status API on this address, e.g. 127.0.0.1:9464")
	f.BoolVar(&runOpts.resetBreakers, "reset-breakers", false, "Forget recorded failures before the run")
}

// usageArgs turns positional argument errors into usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

// apply overrides cfg with the flags the user set.
func (f runFlags) apply(cfg *config.Config, changed func(name string) bool) error {
	if changed("max-concurrent") {
		cfg.Scheduler.MaxConcurrent = f.maxConcurrent
	}
	if changed("timeout") {
		cfg.Execution.Timeout = time.Duration(f.timeoutSecs) * time.Second
		if cfg.Execution.ChunkTimeout > cfg.Execution.Timeout {
			cfg.Execution.ChunkTimeout = cfg.Execution.Timeout
		}
	}
	if changed("retries") {
		cfg.Execution.Retries = f.retries
	}
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	var modeArg string
	if len(args) > 0 {
		modeArg = args[0]
	}
	mode, err := models.ParseMode(modeArg)
	if err != nil {
		return usageError(err)
	}

	workdir, err := resolveWorkdir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(workdir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := runOpts.apply(cfg, cmd.Flags().Changed); err != nil {
		return err
	}

	logger := logging.NewForRepo(workdir, verboseFlag)
	defer logger.Close()
	log := logger.Logger

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	db, err := state.OpenProject(workdir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	interrupted, err := state.NewRecoveryManager(db).MarkInterrupted(ctx)
	if err != nil {
		log.Warn("recovering interrupted runs failed", zap.Error(err))
	}
	for _, r := range interrupted {
		log.Info("previous run was interrupted", zap.String("run", r.ID), zap.String("checkpoint", r.LastCheckpoint))
		printStatus("⚠", fmt.Sprintf("run %s was interrupted; continue it with --resume latest", r.ID), color.FgYellow)
	}

	brk := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.Window, breaker.WithStore(db))
	if runOpts.resetBreakers {
		if err := brk.Reset(); err != nil {
			return fmt.Errorf("reset breakers: %w", err)
		}
	} else if err := brk.Load(); err != nil {
		return fmt.Errorf("load breaker history: %w", err)
	}

	results, err := cache.Open(cache.Path(workdir), cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer results.Close()
	if runOpts.noCache {
		if err := results.Clear(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	} else if n, err := results.Purge(); err != nil {
		log.Warn("purging expired cache entries failed", zap.Error(err))
	} else if n > 0 {
		log.Debug("purged expired cache entries", zap.Int64("entries", n))
	}

	led, err := ledger.NewFromHost(ctx, ledger.HostProbe{}, cfg.Resources.ReservePercent, ledger.Options{
		HighWater: cfg.Resources.HighWater,
		LowWater:  cfg.Resources.LowWater,
	})
	if err != nil {
		return fmt.Errorf("probe host capacity: %w", err)
	}

	registryPath := runOpts.registryPath
	if registryPath == "" {
		registryPath = registry.DefaultPath(workdir)
	}
	reg, err := registry.Load(registryPath, taskFactories(cfg))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w (run 'buildfix init' to create one)", err)
		}
		return err
	}

	store := checkpoint.NewStore(checkpoint.Dir(workdir))
	var resume *checkpoint.Checkpoint
	if runOpts.resume != "" {
		resume, err = loadResume(store, runOpts.resume)
		if err != nil {
			return err
		}
		printStatus("↻", fmt.Sprintf("resuming run %s from %s", resume.RunID, resume.ID), color.FgCyan)
	}

	sup := supervisor.New(supervisor.Options{
		WorkDir:      workdir,
		Timeout:      cfg.Execution.Timeout,
		ChunkTimeout: cfg.Execution.ChunkTimeout,
		TailBytes:    cfg.Execution.LogTail,
		Logger:       log,
	})

	opts := []orchestrator.Option{
		orchestrator.WithMode(mode),
		orchestrator.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		orchestrator.WithChunkSize(cfg.Chunking.MaxSize),
		orchestrator.WithRetryPolicy(supervisor.RetryPolicy{MaxRetries: cfg.Execution.Retries, Base: cfg.Execution.BackoffBase}),
		orchestrator.WithPolicy(policyFromConfig(cfg)),
		orchestrator.WithLogger(log),
		orchestrator.WithDryRun(runOpts.dryRun),
		orchestrator.WithNoCache(runOpts.noCache),
		orchestrator.WithSignals(true),
		orchestrator.WithSupervisor(sup),
		orchestrator.WithLedger(led),
		orchestrator.WithProbe(ledger.HostProbe{}),
		orchestrator.WithBreaker(brk),
		orchestrator.WithCache(results),
		orchestrator.WithCheckpoints(store, cfg.Checkpoint.FullEvery),
		orchestrator.WithStateDB(db),
		orchestrator.WithMetrics(metrics.Default()),
	}
	if resume != nil {
		opts = append(opts, orchestrator.WithResume(resume))
	}
	orch, err := orchestrator.New(orchestrator.RequiredConfig{WorkDir: workdir, Registry: reg}, opts...)
	if err != nil {
		return err
	}

	if runOpts.statusAddr != "" {
		srv, err := statusapi.NewServer(orch, log, &statusapi.Config{Addr: runOpts.statusAddr})
		if err != nil {
			return err
		}
		srvCtx, srvCancel := context.WithCancel(context.Background())
		srvDone := make(chan error, 1)
		go func() { srvDone <- srv.Serve(srvCtx) }()
		defer func() {
			srvCancel()
			if err := <-srvDone; err != nil {
				log.Warn("status server failed", zap.Error(err))
			}
		}()
		printStatus("●", "status API on http://"+runOpts.statusAddr, color.FgCyan)
	}

	// First signal drains running units, a second one aborts them.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		if !runOpts.tui {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, draining running units (again to abort)...")
		}
		orch.Stop()
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var report *orchestrator.Report
	if runOpts.tui {
		report, err = runWithTUI(ctx, orch)
	} else {
		report, err = runPlain(ctx, orch)
	}
	if err != nil {
		return err
	}

	printReport(os.Stdout, report)
	if code := report.ExitCode(); code != orchestrator.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// runPlain runs the orchestrator and prints events as they arrive.
func runPlain(ctx context.Context, orch *orchestrator.Orchestrator) (*orchestrator.Report, error) {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range orch.Events() {
			printEvent(ev, verboseFlag)
		}
	}()

	report, err := orch.Run(ctx)
	<-printed
	return report, err
}

// taskFactories binds every task kind to its executor.
func taskFactories(cfg *config.Config) map[string]registry.Factory {
	key, _, _ := cfg.APIKey()
	completer := advisor.NewLazy(advisor.ClientConfig{
		Model:         cfg.Advisor.Model,
		MaxTokens:     cfg.Advisor.MaxTokens,
		APIKey:        key,
		UseAWSBedrock: cfg.Advisor.Bedrock,
		AWSRegion:     cfg.Advisor.AWSRegion,
	})
	return map[string]registry.Factory{
		registry.KindCommand: registry.CommandFactory(exec.NewRunner()),
		advisor.Kind:         advisor.Factory(completer),
	}
}

func policyFromConfig(cfg *config.Config) *policy.Config {
	return &policy.Config{
		Loop: policy.LoopPolicy{
			Tick:          cfg.Scheduler.Tick,
			StallTimeout:  cfg.Scheduler.StallTimeout,
			LivenessGrace: cfg.Scheduler.LivenessGrace,
		},
		Spawn: policy.SpawnPolicy{
			Rate:  cfg.Scheduler.SpawnRate,
			Burst: cfg.Scheduler.SpawnBurst,
		},
		Checkpoint: policy.CheckpointPolicy{
			Interval: cfg.Checkpoint.Interval,
		},
		Resources: policy.ResourcePolicy{
			SampleEvery: cfg.Resources.SampleEvery,
		},
	}
}

// loadResume loads a checkpoint by ID, or the newest one for "latest".
// Any failure is fatal to the run.
func loadResume(store *checkpoint.Store, id string) (*checkpoint.Checkpoint, error) {
	var (
		cp  *checkpoint.Checkpoint
		err error
	)
	if id == "latest" {
		cp, err = store.Latest()
	} else {
		cp, err = store.Load(id)
	}
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}
	return cp, nil
}
