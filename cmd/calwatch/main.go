package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calwatch/internal/config"
	"calwatch/internal/diff"
	"calwatch/internal/ics"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/notify"
	"calwatch/internal/store"
	"calwatch/internal/summary"
	"calwatch/internal/watch"
	"calwatch/internal/web"
)

const version = "0.1.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "calwatch",
		Short:         "Watch ICS calendar feeds and post schedule changes to Discord",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/calwatch/config.yaml", "Path to config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())
	rootCmd.AddCommand(diffCmd())

	if err := rootCmd.Execute(); err != nil {
		appLog.Error("calwatch failed", err)
		os.Exit(1)
	}
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		appLog.Info("shutting down")
	}()
	return ctx, cancel
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// buildRunner wires fetcher, store and notifier. The returned store must be
// closed by the caller.
func buildRunner(cfg *config.Config, dryRun bool) (*watch.Runner, store.Store, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}

	var n notify.Notifier
	if dryRun || cfg.Notifier.Kind == "log" {
		n = notify.LogNotifier{}
	} else {
		n = notify.NewDiscord(cfg.Notifier.BotToken, notify.WithFooter(cfg.Footer))
	}

	r := watch.NewRunner(
		cfg.ModelEndpoints(),
		ics.NewFetcher(cfg.CacheDir(), cfg.FetchTimeout()),
		st,
		n,
		watch.Options{
			Observer:           cfg.Location(),
			KeepElapsed:        cfg.KeepElapsed,
			BaselineOnFirstRun: cfg.BaselineOnFirstRun,
			Ignored:            cfg.IgnoreProperties,
			TitlePrefix:        cfg.TitlePrefix,
			MaxLines:           cfg.MaxLines,
			MaxChars:           cfg.MaxChars,
			MaxParallel:        cfg.MaxParallel,
		},
	)
	return r, st, nil
}

func logEffectiveConfig(cfg *config.Config) {
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"schedule", cfg.Schedule,
		"store", cfg.Store.Driver,
		"store_path", cfg.Store.Path,
		"notifier", cfg.Notifier.Kind,
		"keep_elapsed", cfg.KeepElapsed,
		"baseline_on_first_run", cfg.BaselineOnFirstRun,
		"endpoints", len(cfg.Endpoints),
	)
}

func runCmd() *cobra.Command {
	var (
		listen string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Check all endpoints on a schedule and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// --listen overrides the config file if provided.
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			appLog.Info("calwatch starting", "version", version)
			logEffectiveConfig(cfg)

			if len(cfg.Endpoints) == 0 {
				appLog.Warn("no endpoints configured", "config_path", configPath)
			}

			runner, st, err := buildRunner(cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			sched, err := watch.NewScheduler(runner, cfg.Schedule, cfg.Location())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(gctx) })
			if cfg.Listen != "" {
				g.Go(func() error { return web.StartServer(gctx, cfg, runner, debug) })
			}
			err = g.Wait()
			appLog.Info("calwatch exiting")
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config; empty disables the API)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Run the HTTP server in debug mode")
	return cmd
}

func onceCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one check for every endpoint and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logEffectiveConfig(cfg)

			runner, st, err := buildRunner(cfg, dryRun)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := runner.RunAll(ctx); err != nil {
				return err
			}
			for _, s := range runner.Statuses() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s events=%d created=%d changed=%d removed=%d notified=%t\n",
					s.Key, s.Events, s.Created, s.Changed, s.Removed, s.Notified)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log notifications instead of sending them (snapshots are still saved)")
	return cmd
}

func diffCmd() *cobra.Command {
	var (
		nowFlag     string
		tz          string
		keepElapsed bool
		title       string
	)

	cmd := &cobra.Command{
		Use:   "diff <old.ics> <new.ics>",
		Short: "Compare two ICS files and print the change summary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			now := time.Now()
			if nowFlag != "" {
				if now, err = time.Parse(time.RFC3339, nowFlag); err != nil {
					return fmt.Errorf("--now: %w", err)
				}
			}

			prev, err := readSnapshot(args[0])
			if err != nil {
				return err
			}
			next, err := readSnapshot(args[1])
			if err != nil {
				return err
			}

			res := diff.Compare(next, prev, diff.Options{
				Now:         now,
				Observer:    loc,
				KeepElapsed: keepElapsed,
			})
			for _, w := range res.Warnings {
				appLog.Warn("feed data problem", "kind", string(w.Kind), "uid", w.UID, "summary", w.Summary)
			}

			out := cmd.OutOrStdout()
			if res.Empty() {
				fmt.Fprintln(out, "no changes")
				return nil
			}
			for _, b := range summary.Render(res.Changes, title, summary.Options{Observer: loc}) {
				fmt.Fprintf(out, "%s (%s)\n%s\n", b.Title, b.Kind, b.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&nowFlag, "now", "", "Evaluation time in RFC 3339 (default: current time)")
	cmd.Flags().StringVar(&tz, "tz", "Local", "Timezone for floating times and output")
	cmd.Flags().BoolVar(&keepElapsed, "keep-elapsed", false, "Also report events that already ended")
	cmd.Flags().StringVar(&title, "title", "Changes", "Block title")
	return cmd
}

func readSnapshot(path string) (*model.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := ics.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return snap, nil
}
