package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chriscow/livekit-silence-go/internal/worker"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/version"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Signaling bridge commands",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve turn decisions to a host over WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, token := connectionFlags(cmd)
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		profilesPath, _ := cmd.Flags().GetString("profiles")
		maxCalls, _ := cmd.Flags().GetInt("max-calls")
		tick, _ := cmd.Flags().GetDuration("tick")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		logger := setupLogger(cmd)
		logger.Info("Starting worker",
			slog.String("service", "lk-silence"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("url", url),
			slog.Bool("dry_run", dryRun))

		profiles, err := loadProfiles(profilesPath)
		if err != nil {
			return err
		}
		if dryRun {
			logger.Info("Dry run mode - exiting", slog.Any("languages", profiles.Languages()))
			return nil
		}
		if err := requireConnection(url, token); err != nil {
			return err
		}

		shutdown, err := startMetrics(metricsAddr, logger)
		if err != nil {
			return fmt.Errorf("start metrics: %w", err)
		}
		defer shutdownMetrics(shutdown, logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		w := worker.New(worker.Config{
			URL:      url,
			Token:    token,
			Profiles: profiles,
			Engine:   engine.Config{TickInterval: tick},
			MaxCalls: maxCalls,
		}, logger)

		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker failed", slog.String("error", err.Error()))
			return err
		}
		logger.Info("Worker stopped", slog.Int64("decisions_dropped", w.Dropped()))
		return nil
	},
}

var workerHealthzCmd = &cobra.Command{
	Use:   "healthz",
	Short: "Connect once and ping the signaling server",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, token := connectionFlags(cmd)
		timeout, _ := cmd.Flags().GetDuration("timeout")

		logger := setupLogger(cmd)
		if err := requireConnection(url, token); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		client := worker.NewWebSocketClient(url, token, logger)
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		defer client.Close()
		if err := client.Ping(); err != nil {
			return fmt.Errorf("health check: %w", err)
		}

		logger.Info("Health check passed", slog.String("url", url))
		return nil
	},
}

// connectionFlags reads --url and --token, defaulting to LIVEKIT_URL and
// LIVEKIT_TOKEN.
func connectionFlags(cmd *cobra.Command) (url, token string) {
	url, _ = cmd.Flags().GetString("url")
	token, _ = cmd.Flags().GetString("token")
	if url == "" {
		url = os.Getenv("LIVEKIT_URL")
	}
	if token == "" {
		token = os.Getenv("LIVEKIT_TOKEN")
	}
	return url, token
}

func requireConnection(url, token string) error {
	if url == "" {
		return fmt.Errorf("--url is required (or set LIVEKIT_URL)")
	}
	if token == "" {
		return fmt.Errorf("--token is required (or set LIVEKIT_TOKEN)")
	}
	return nil
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Server WebSocket URL (env LIVEKIT_URL)")
	cmd.Flags().String("token", "", "Access token (env LIVEKIT_TOKEN)")
}

func init() {
	addConnectionFlags(workerRunCmd)
	addProfilesFlag(workerRunCmd)
	workerRunCmd.Flags().Bool("dry-run", false, "Dry run mode - validate config and exit")
	workerRunCmd.Flags().Int("max-calls", 0, "Maximum concurrent calls (0 = unlimited)")
	workerRunCmd.Flags().Duration("tick", 0, "Controller evaluation interval (0 = default)")
	workerRunCmd.Flags().String("metrics-addr", "", "Serve Prometheus /metrics on this address, e.g. :9090")

	addConnectionFlags(workerHealthzCmd)
	workerHealthzCmd.Flags().Duration("timeout", 10*time.Second, "Connection timeout")

	workerCmd.AddCommand(workerRunCmd, workerHealthzCmd)
}
