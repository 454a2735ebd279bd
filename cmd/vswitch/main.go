package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/alert"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/config"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/engine"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/logging"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/switcher"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/telemetrysink"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/uistate"
)

const defaultLogLevel = "info"

var (
	configPath string
	logLevel   string
	dryRun     bool

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "vswitch",
	Short: "Operate an active/standby Solana validator pair",
	Long: `vswitch monitors one or more active/standby validator pairs over SSH
and Solana RPC, alerts on delinquency and infrastructure failures, and
drives the identity-and-tower switchover between a pair's two nodes.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current health and identity state of every configured pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			snap, err := e.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(snap)
			return nil
		})
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <pair-label>",
	Short: "Switch a pair's active identity to its current standby node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairLabel := args[0]
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			report, err := e.Switch(ctx, pairLabel, dryRun)
			if report != nil {
				printReport(report)
			}
			return err
		})
	},
}

var testAlertCmd = &cobra.Command{
	Use:   "test-alert",
	Short: "Send a synthetic message through the configured alert sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			return e.TestAlert(ctx)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vswitch %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// withEngine loads and validates configuration, constructs an Engine,
// bootstraps it, and runs fn, ensuring Shutdown always runs.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	log := logging.New(logging.Level(logLevel))

	root, err := config.Load(configPath)
	if err != nil {
		return &engine.ConfigurationError{Err: err}
	}

	sink := sinkFromConfig(root.AlertConfig)
	e := engine.New(root, log, sink, engine.BuildInfo{Version: version, Commit: commit, Date: date})
	if err := e.Bootstrap(ctx); err != nil {
		return err
	}
	defer e.Shutdown()

	return fn(ctx, e)
}

func sinkFromConfig(cfg config.AlertConfig) alert.Sink {
	if cfg.Telegram.BotToken != "" {
		return telemetrysink.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	if cfg.Slack.BotToken != "" {
		return telemetrysink.NewSlackSink(cfg.Slack.BotToken, cfg.Slack.Channel)
	}
	return noopSink{}
}

// noopSink is used when no alert sink is configured, so the alerter and
// auto-failover gate can still run without a nil Sink panic.
type noopSink struct{}

func (noopSink) Send(ctx context.Context, msg alert.Message) error { return nil }

func printStatus(snap uistate.Snapshot) {
	for label, data := range snap.Pairs {
		activeNode := "unknown"
		if rt := data.NodeRuntimes[data.ActiveIndex]; rt != nil {
			activeNode = rt.IdentityKeypairPath
		}
		fmt.Printf("%s\n", label)
		fmt.Printf("  active:       node %d (%s)\n", data.ActiveIndex, activeNode)
		fmt.Printf("  ssh:          node0=%v node1=%v\n", data.SSHOK[0], data.SSHOK[1])
		fmt.Printf("  rpc:          %v\n", data.RPCOK)
		fmt.Printf("  last vote:    slot %d at %s\n", data.LastVoteSlot, data.LastVoteObservedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if snap.LastReport != nil {
		fmt.Printf("last switch (%s): %s in %dms\n", snap.LastReport.PairLabel, snap.LastReport.Classification, snap.LastReport.TotalMS)
	}
}

func printReport(report *switcher.Report) {
	fmt.Printf("switch %s: %s (%s)\n", report.PairLabel, report.Classification, report.Total)
	for _, step := range report.Steps {
		if step.Err != nil {
			fmt.Printf("  %-24s %-8s %8s  %s\n", step.Name, step.Status, step.Duration, step.Err)
			continue
		}
		fmt.Printf("  %-24s %-8s %8s\n", step.Name, step.Status, step.Duration)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vswitch.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Log level (debug, info, warn, error)")

	switchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what a switch would do without writing anything")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(testAlertCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitCodeFor(err))
	}
}
