package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/gmailer/internal/config"
	"github.com/tracyhatemice/gmailer/internal/credential"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "gmailer",
		Short:        "Forward new mailbox messages to a single address",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOnce(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level from the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Forward new messages once and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runOnce(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Forward new messages on every check interval until stopped",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.watch(cmd.Context())
			},
		},
		newAuthCmd(a),
		newLedgerCmd(a),
	)

	return root
}

// load reads the configuration and sets up logging.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = setupLogger(cfg.LogLevel)
	return nil
}

func (a *app) runOnce(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.build(ctx)
	if err != nil {
		a.logger.Error("startup failed", "error", err)
		return err
	}
	defer p.Close()

	a.logger.Info("gmailer starting",
		"mailbox", a.cfg.Mailbox.Protocol,
		"sender", p.sender.Name(),
		"max_read", a.cfg.MaxRead(),
		"max_send", a.cfg.MaxSend(),
	)

	if _, err := p.forwarder.Run(ctx); err != nil {
		a.logger.Error("run failed", "error", err)
		if errors.Is(err, credential.ErrNoToken) {
			a.logger.Error("no gmail token stored, run `gmailer auth` first")
		}
		return err
	}
	return nil
}

func (a *app) watch(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.build(ctx)
	if err != nil {
		a.logger.Error("startup failed", "error", err)
		return err
	}
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.forwarder.Watch(ctx, a.cfg.CheckInterval())
	}()

	<-ctx.Done()
	a.logger.Info("shutting down, waiting for the current run to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		a.logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	<-done
	a.logger.Info("gmailer stopped")
	return nil
}

func setupLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
