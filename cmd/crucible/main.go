// crucible is a governed self-modification pipeline: it synthesizes
// candidate code for structured change requests, subjects each candidate
// to static and cognitive safety analysis, observes it inside an
// isolated sandbox, and routes the outcome through a risk-graduated
// approval workflow with a full audit trail.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"crucible/internal/artifact"
	"crucible/internal/assessor"
	"crucible/internal/audit"
	"crucible/internal/backend"
	"crucible/internal/config"
	"crucible/internal/controller"
	"crucible/internal/sandbox"
	"crucible/internal/synthesizer"
	"crucible/internal/validator"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "crucible - governed code self-modification pipeline",
	Long: `crucible synthesizes candidate code changes, analyzes them for
safety, executes them in an isolated sandbox, and routes the outcome
through a risk-graduated approval workflow. Every lifecycle transition
is recorded in an append-only audit trail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if cfg.Logging.Development {
			zcfg = zap.NewDevelopmentConfig()
		}
		if verbose || cfg.Logging.Level == "debug" {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore opens the configured audit store.
func openStore() (*audit.Store, error) {
	return audit.Open(cfg.Storage.DatabasePath, logger.Named("audit"))
}

// newController builds the pipeline. withBackend controls whether the
// external model backend is dialed; offline operations (status, history,
// decide, probe, validate) never need it.
func newController(ctx context.Context, store *audit.Store, withBackend bool) (*controller.Controller, error) {
	var synth *synthesizer.Synthesizer
	var assess *assessor.Assessor

	if withBackend {
		be, err := backend.New(ctx, cfg.Backend, logger.Named("backend"))
		if err != nil {
			return nil, err
		}
		synth = synthesizer.New(be, logger.Named("synthesizer"),
			synthesizer.WithTimeout(cfg.SynthesisTimeout))
		assess = assessor.New(be, logger.Named("assessor"),
			assessor.WithTimeout(cfg.AssessmentTimeout))
	}

	exec := sandbox.New(cfg.Storage.SandboxDir, logger.Named("sandbox"))
	return controller.New(cfg.Controller, synth, validator.New(), assess, exec, store, logger.Named("controller")), nil
}

var submitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a change request to the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqFlags, _ := cmd.Flags().GetStringSlice("require")
		wait, _ := cmd.Flags().GetBool("wait")

		requirements := map[string]string{}
		for _, kv := range reqFlags {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("requirement %q is not key=value", kv)
			}
			requirements[parts[0]] = parts[1]
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		ctrl, err := newController(ctx, store, true)
		if err != nil {
			return err
		}
		ctrl.Start(ctx)
		defer ctrl.Stop()

		id, err := ctrl.Submit(args[0], requirements)
		if err != nil {
			return err
		}
		fmt.Printf("request_id: %s\n", id)

		if !wait {
			return nil
		}
		for {
			state, decision, err := ctrl.Status(id)
			if err != nil {
				return err
			}
			if state.Terminal() || state.Pending() {
				fmt.Printf("state: %s\n", state)
				if decision != nil {
					fmt.Printf("decision: %s by %s (%s)\n", decision.Level, decision.DecidedBy, decision.Reason)
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show a request's current state and decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctrl, err := newController(cmd.Context(), store, false)
		if err != nil {
			return err
		}
		state, decision, err := ctrl.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("state: %s\n", state)
		if decision != nil {
			fmt.Printf("decision: %s by %s at %s\n  reason: %s\n  applied: %v\n",
				decision.Level, decision.DecidedBy, decision.DecidedAt.Format(time.RFC3339),
				decision.Reason, decision.Applied)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <request-id>",
	Short: "Show a request's ordered audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.History(args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no history for request %s", args[0])
		}
		for _, ev := range events {
			fmt.Printf("%3d  %s  %-18s %-28s %s\n",
				ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Stage, ev.Outcome, ev.Detail)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List requests awaiting a human decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		levelFlag, _ := cmd.Flags().GetString("level")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var filter *artifact.State
		if levelFlag != "" {
			state, err := artifact.ParseState(levelFlag)
			if err != nil {
				return err
			}
			filter = &state
		}

		pending, err := store.ListPending(filter)
		if err != nil {
			return err
		}
		for _, p := range pending {
			fmt.Printf("%s  %-18s %s\n", p.Request.ID, p.State, p.Request.Description)
		}
		if len(pending) == 0 {
			fmt.Println("no pending requests")
		}
		return nil
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <request-id> <approve|reject>",
	Short: "Resolve a pending request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var approve bool
		switch args[1] {
		case "approve":
			approve = true
		case "reject":
		default:
			return fmt.Errorf("verdict must be approve or reject, got %q", args[1])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctrl, err := newController(cmd.Context(), store, false)
		if err != nil {
			return err
		}
		state, err := ctrl.Decide(args[0], approve, artifact.ActorHuman)
		if err != nil {
			return err
		}
		fmt.Printf("state: %s\n", state)
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <source-file>",
	Short: "Run an ad-hoc artifact in the sandbox, bypassing the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		exec := sandbox.New(cfg.Storage.SandboxDir, logger.Named("sandbox"))
		art := artifact.NewGeneratedArtifact("probe", string(source), "go")
		result, err := exec.Execute(cmd.Context(), art, cfg.SandboxLimits())
		if err != nil {
			return err
		}

		fmt.Printf("exit_status: %s\nduration: %s\npeak_memory: %d\npeak_cpu_fraction: %.2f\n",
			result.ExitStatus, result.Duration, result.PeakMemory, result.PeakCPUFraction)
		if result.StdoutExcerpt != "" {
			fmt.Printf("stdout:\n%s\n", result.StdoutExcerpt)
		}
		if result.StderrExcerpt != "" {
			fmt.Printf("stderr:\n%s\n", result.StderrExcerpt)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <source-file>",
	Short: "Run the static validator on an ad-hoc artifact (no sandbox)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		art := artifact.NewGeneratedArtifact("adhoc", string(source), "go")
		assessment := validator.New().Validate(art)

		fmt.Printf("static_score: %.2f\ncomplexity_score: %.2f\n",
			assessment.StaticScore, assessment.ComplexityScore)
		if len(assessment.ForbiddenCapabilities) > 0 {
			fmt.Printf("forbidden_capabilities: %s\n", strings.Join(assessment.ForbiddenCapabilities, ", "))
		} else {
			fmt.Println("forbidden_capabilities: none")
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".crucible/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	submitCmd.Flags().StringSlice("require", nil, "requirement as key=value (repeatable)")
	submitCmd.Flags().Bool("wait", false, "wait for the pipeline to reach a decision")
	pendingCmd.Flags().String("level", "", "filter: PENDING_REVIEW or PENDING_COMMITTEE")

	rootCmd.AddCommand(submitCmd, statusCmd, historyCmd, pendingCmd, decideCmd, probeCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
