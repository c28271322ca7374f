package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoRoomName is returned by New and NewRoom without a room name.
var ErrNoRoomName = errors.New("job: room name is required")

// New creates a new Job with the given configuration.
func New(parentCtx context.Context, cfg Config) (*Job, error) {
	if cfg.RoomName == "" {
		return nil, ErrNoRoomName
	}

	jobID := cfg.ID
	if jobID == "" {
		jobID = generateJobID()
	}
	language := cfg.Language
	if language == "" {
		language = DefaultLanguage
	}

	ctx := parentCtx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
	}

	jobContext := NewJobContext(ctx)
	if cancel != nil {
		context.AfterFunc(jobContext.Ctx, cancel)
	}

	job := &Job{
		ID:       jobID,
		RoomName: cfg.RoomName,
		Language: language,
		Context:  jobContext,
	}

	slog.Info("Created new job",
		slog.String("job_id", jobID),
		slog.String("room_name", cfg.RoomName),
		slog.String("language", language),
		slog.Duration("timeout", cfg.Timeout))

	return job, nil
}

// CallID is the engine call identifier for a participant in this job's room.
func (j *Job) CallID(identity string) string {
	return CallID(j.RoomName, identity)
}

// CallID joins a room name and participant identity into a call identifier.
func CallID(roomName, identity string) string {
	return roomName + "/" + identity
}

// Shutdown gracefully shuts down the job with the given reason.
func (j *Job) Shutdown(reason string) {
	slog.Info("Shutting down job",
		slog.String("job_id", j.ID),
		slog.String("reason", reason))

	j.Context.Shutdown(reason)
}

// Wait blocks until the job context is cancelled.
func (j *Job) Wait() error {
	<-j.Context.Done()
	return j.Context.Err()
}

// IsActive returns true if the job is still running (not shut down).
func (j *Job) IsActive() bool {
	return !j.Context.IsShutdown()
}

func (j *Job) String() string {
	status := "active"
	if j.Context.IsShutdown() {
		status = "shutdown"
	}
	return fmt.Sprintf("Job{ID: %s, Room: %s, Language: %s, Status: %s}", j.ID, j.RoomName, j.Language, status)
}
