package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/chriscow/livekit-silence-go/internal/callmgr"
	"github.com/chriscow/livekit-silence-go/pkg/engine"
	"github.com/chriscow/livekit-silence-go/pkg/job"
	"github.com/chriscow/livekit-silence-go/pkg/turn"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "LiveKit room commands",
}

var roomJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and run a call for every participant",
	Long: `Join a LiveKit room as a participant. Every remote participant gets its
own engine call. Participants send audio, transcript and agentTurnFinished
signals as data packets; decisions are published back the same way.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, token := connectionFlags(cmd)
		roomName, _ := cmd.Flags().GetString("room")
		language, _ := cmd.Flags().GetString("language")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		profilesPath, _ := cmd.Flags().GetString("profiles")
		maxCalls, _ := cmd.Flags().GetInt("max-calls")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		logger := setupLogger(cmd)
		if err := requireConnection(url, token); err != nil {
			return err
		}
		if roomName == "" {
			return fmt.Errorf("--room is required")
		}
		profiles, err := loadProfiles(profilesPath)
		if err != nil {
			return err
		}

		shutdown, err := startMetrics(metricsAddr, logger)
		if err != nil {
			return fmt.Errorf("start metrics: %w", err)
		}
		defer shutdownMetrics(shutdown, logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		j, err := job.New(ctx, job.Config{RoomName: roomName, Language: language, Timeout: timeout})
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		j.Context.OnShutdown(func(reason string) {
			logger.Info("Job shutdown hook called", slog.String("reason", reason))
		})

		// The room publishes decisions but is created after the manager.
		var room atomic.Pointer[job.Room]
		calls := callmgr.New(callmgr.Config{
			Profiles: profiles,
			Engine:   engine.Config{},
			MaxCalls: maxCalls,
			Logger:   logger,
			Sink: callmgr.SinkFunc(func(callID string, d turn.Decision) {
				if r := room.Load(); r != nil {
					r.Decision(callID, d)
				}
			}),
		})

		g, gctx := errgroup.WithContext(j.Context.Ctx)
		g.Go(func() error { return calls.Run(gctx) })

		select {
		case <-calls.Ready():
		case <-gctx.Done():
			return g.Wait()
		}

		rcfg := job.RoomConfig{
			URL:      url,
			Token:    token,
			RoomName: roomName,
			Language: j.Language,
			Calls:    calls,
			Logger:   logger,
		}
		r, err := job.NewRoom(gctx, rcfg)
		if err != nil {
			j.Shutdown("room setup failed")
			return errors.Join(fmt.Errorf("failed to create room: %w", err), g.Wait())
		}
		room.Store(r)
		if err := r.Connect(rcfg); err != nil {
			j.Shutdown("connect failed")
			return errors.Join(err, r.Disconnect(), g.Wait())
		}

		g.Go(func() error {
			for ev := range r.Events {
				logger.Debug("Room event",
					slog.String("event_type", string(ev.Type)),
					slog.String("call_id", ev.CallID),
					slog.Time("timestamp", ev.Timestamp))
			}
			return nil
		})

		logger.Info("Joined room",
			slog.String("job_id", j.ID),
			slog.String("room_name", roomName),
			slog.String("language", j.Language))

		<-gctx.Done()
		logger.Info("Leaving room", slog.Int("calls_started", calls.Started()))
		r.Disconnect()

		err = g.Wait()
		if info, ok := j.Context.ShutdownInfo(); ok {
			logger.Info("Job ended",
				slog.String("reason", info.Reason),
				slog.Bool("graceful", info.Graceful))
		} else {
			logger.Info("Job ended", slog.Any("cause", j.Context.Cause()))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	addConnectionFlags(roomJoinCmd)
	addProfilesFlag(roomJoinCmd)
	roomJoinCmd.Flags().String("room", "", "Room name to join")
	roomJoinCmd.Flags().String("language", job.DefaultLanguage, "Language of calls in this room")
	roomJoinCmd.Flags().Duration("timeout", job.DefaultJobTimeout, "Maximum session length")
	roomJoinCmd.Flags().Int("max-calls", 0, "Maximum concurrent calls (0 = unlimited)")
	roomJoinCmd.Flags().String("metrics-addr", "", "Serve Prometheus /metrics on this address, e.g. :9090")

	roomCmd.AddCommand(roomJoinCmd)
}
