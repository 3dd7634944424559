package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"prayerbot/internal/eventbus"
	"prayerbot/internal/task/engine"
	logx "prayerbot/pkg/logx"
)

// Executor accepts triggered tasks. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Config struct {
	// Location is the zone cron expressions are evaluated in.
	Location *time.Location
	// SubmitWait bounds how long a trigger waits for executor room before
	// it is dropped. Midnight bursts rely on this to drain a small queue.
	SubmitWait time.Duration
}

const defaultSubmitWait = time.Minute

type Job func(ctx context.Context) error

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	state   *engine.RunState
	entryID cron.EntryID
}

type onceDef struct {
	name    string
	at      time.Time
	timeout time.Duration
	job     Job
	timer   *time.Timer
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	bus    eventbus.Publisher
	exec   Executor
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	crons  map[string]*cronDef
	wait   time.Duration

	// runCtx bounds submits between Start and Stop.
	runCtx    context.Context
	runCancel context.CancelFunc

	tmu  sync.Mutex
	once map[string]*onceDef

	lastEnqWarn atomic.Int64
}

type EntryInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	Timeout time.Duration
}

type Snapshot struct {
	Timezone string
	Running  bool
	Cron     []EntryInfo
	Timers   int
	// NextTimer is the earliest pending one-shot, zero when none.
	NextTimer time.Time
}
