package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/config"
	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/ghclient"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/internal/notify"
	"github.com/propagatehq/propagate/internal/orchestrator"
	"github.com/propagatehq/propagate/internal/remediation"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/internal/vcsclient"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile      string
	contractPath string
	sourceRef    string
	dryRun       bool
	noWait       bool
	ciMode       bool
	changeID     int64
	verbose      bool
)

// rootCmd is propagate's single entry point: run the propagation pipeline
// once and exit. There are no subcommands — every knob is a flag on the
// root command itself, per this domain's CLI surface.
var rootCmd = &cobra.Command{
	Use:   "propagate",
	Short: "Contract-change propagation engine",
	Long: `propagate watches an OpenAPI contract for breaking changes, maps the
blast radius against real traffic telemetry, and dispatches an AI coding
agent to fix every affected downstream repository — opening pull requests
and gating promotion on green CI.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPropagate,
}

// Execute is the entry point called from cmd/propagate/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&contractPath, "contract", "openapi.yaml", "path to the current OpenAPI contract document")
	rootCmd.Flags().StringVar(&sourceRef, "source-ref", os.Getenv("GITHUB_SHA"), "source commit recorded on the stored snapshot")
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "service map path override (see SERVICE_MAP_PATH)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate remediation with a deterministic state sampler; never advances the snapshot")
	rootCmd.Flags().BoolVar(&noWait, "no-wait", false, "fire-and-forget dispatch: no wave gating, no snapshot advance")
	rootCmd.Flags().BoolVar(&ciMode, "ci", false, "use an empty baseline on first run so the first push always diffs")
	rootCmd.Flags().Int64Var(&changeID, "change-id", 0, "re-run the status reconciler standalone against an existing change, skipping the differ entirely")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug logging")
}

func runPropagate(cmd *cobra.Command, args []string) error {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := config.EnsureDir(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		slog.Info("propagate: shutdown signal received, cancelling in-flight work")
		cancel()
	}()

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	smap, err := servicemap.Load(cfg.ServiceMap.Path)
	if err != nil {
		return fmt.Errorf("loading service map: %w", err)
	}

	guard := guardrails.Guardrails{
		MaxParallel:    cfg.Guardrails.MaxParallel,
		CIRequired:     cfg.Guardrails.CIRequired,
		AutoMerge:      cfg.Guardrails.AutoMerge,
		ProtectedPaths: guardrails.Load().ProtectedPaths,
	}

	agent := agentclient.New(cfg.AgentAPI.BaseURL, cfg.AgentAPI.APIKey)

	gh, err := ghclient.New(cfg.GitHub.Token, cfg.GitHub.Host)
	if err != nil {
		return fmt.Errorf("building GitHub client: %w", err)
	}

	var gl *vcsclient.GitLabClient
	if hasGitLabService(smap) {
		gl, err = vcsclient.NewGitLab(cfg.GitLab.Token, cfg.GitLab.Host)
		if err != nil {
			return fmt.Errorf("building GitLab client: %w", err)
		}
	}

	notifier := notify.NewDispatcher(cfg.Notify)

	slog.Info("propagate: starting run", "dry_run", dryRun, "no_wait", noWait, "ci", ciMode, "contract", contractPath)
	fmt.Printf("propagate %s starting (dry_run=%v no_wait=%v ci=%v)\n", Version, dryRun, noWait, ciMode)

	orch := orchestrator.New(cfg, db, smap, guard, agent, gh, gl, notifier)

	if changeID != 0 {
		reconciler := remediation.NewReconciler(db, agent, gh, gl, guard, smap, notifier, cfg.Orchestrator.CIUnknownMaxAttempts)
		if err := reconciler.ReconcileChange(ctx, changeID); err != nil {
			return fmt.Errorf("reconciling change %d: %w", changeID, err)
		}
		fmt.Printf("Reconciled change_id=%d\n", changeID)
		return nil
	}

	exitCode, err := orch.Run(ctx, orchestrator.Options{
		ContractPath: contractPath,
		SourceRef:    sourceRef,
		DryRun:       dryRun,
		NoWait:       noWait,
		CI:           ciMode,
	})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func hasGitLabService(smap *servicemap.Map) bool {
	for _, svc := range smap.All() {
		if svc.Host == "gitlab" {
			return true
		}
	}
	return false
}
