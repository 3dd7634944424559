// Package broadcast fans one operator message out to many chats as a
// background job with progress tracking.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "prayerbot/internal/runtime/supervisor"
	"prayerbot/internal/transport"
	logx "prayerbot/pkg/logx"
)

var (
	ErrNotRunning = errors.New("broadcast service not running")
	ErrQueueFull  = errors.New("broadcast queue full")
)

type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int
	QueueSize  int
}

type job struct {
	id      string
	name    string
	targets []transport.ChatTarget
	text    string
	opt     *transport.SendOptions
	onDone  func(JobStatus)
}

type JobStatus struct {
	ID          string
	Name        string
	Total       int
	Done        int
	Failed      int
	Unreachable int
	// Failures holds up to maxFailures failed targets.
	Failures  []transport.ChatTarget
	LastError string
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// Took is the wall time of a finished job.
func (s JobStatus) Took() time.Duration {
	if s.StartedAt.IsZero() || s.DoneAt.IsZero() {
		return 0
	}
	return s.DoneAt.Sub(s.StartedAt)
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  transport.Sender
	log     logx.Logger
	limiter *rate.Limiter
	queue   chan job
	sup     *rtsup.Supervisor

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}

const maxFailures = 200
