// Package job hosts the silence engine inside a LiveKit room. A Job is one
// room session; each remote participant in the room gets its own engine
// call, driven by JSON data packets and answered the same way.
package job

import (
	"context"
	"sync"
	"time"
)

// Job is one room session.
type Job struct {
	ID       string
	RoomName string

	// Language selects the timing profile for calls in this room.
	Language string

	Context *JobContext
}

// JobContext manages the lifecycle and cleanup of a job.
type JobContext struct {
	// Ctx is cancelled when the job ends.
	Ctx context.Context

	cancel        context.CancelCauseFunc
	now           func() time.Time
	shutdownMu    sync.Mutex
	shutdownHooks []func(string)
	info          *ShutdownInfo
}

// ShutdownInfo records the first Shutdown of a job. Graceful is false when
// the hooks did not finish within ShutdownHookTimeout.
type ShutdownInfo struct {
	Reason    string
	Timestamp time.Time
	Graceful  bool
}

// Config contains configuration options for creating a new Job.
type Config struct {
	// ID for the job (if empty, one will be generated)
	ID string

	RoomName string
	Language string

	// Timeout bounds the whole session. Zero means no limit.
	Timeout time.Duration
}

const (
	// DefaultJobTimeout is a sensible upper bound for one room session.
	DefaultJobTimeout = 2 * time.Hour

	// DefaultLanguage is used when a job names no language.
	DefaultLanguage = "en-US"
)
