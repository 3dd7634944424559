// Package jobs tracks the scheduled triggers that belong to each user so
// they can be cancelled as a group.
//
// A Handle moves from pending to exactly one of fired or cancelled. The
// transition is a compare-and-swap, so a handle cancelled before its trigger
// runs never fires, and a handle that already fired is never reported as a
// failed cancellation.
package jobs

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrJobCancellationFailed reports a handle whose trigger could not be
// removed. The handle stays registered.
var ErrJobCancellationFailed = errors.New("job cancellation failed")

type State int32

const (
	Pending State = iota
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Canceler removes a named trigger. The task scheduler implements it.
type Canceler interface {
	Remove(name string) bool
}

type Handle struct {
	UserID int64
	// Name is the trigger name in the scheduler.
	Name string
	// Label describes the job in logs: a prayer kind or "daily".
	Label     string
	FireAt    time.Time
	Recurring bool

	state    atomic.Int32
	canceler Canceler
}

func NewHandle(userID int64, name, label string, fireAt time.Time, recurring bool, c Canceler) *Handle {
	return &Handle{UserID: userID, Name: name, Label: label, FireAt: fireAt, Recurring: recurring, canceler: c}
}

func (h *Handle) State() State { return State(h.state.Load()) }

// Fire claims the handle for execution. A one-shot handle can be claimed
// once; a recurring handle is claimable on every trigger until cancelled.
func (h *Handle) Fire() bool {
	if h.Recurring {
		return h.State() == Pending
	}
	return h.state.CompareAndSwap(int32(Pending), int32(Fired))
}

// Cancel stops the handle from firing and removes its trigger. Cancelling a
// handle that already fired or was cancelled is a no-op.
func (h *Handle) Cancel() (err error) {
	if !h.state.CompareAndSwap(int32(Pending), int32(Cancelled)) {
		return nil
	}
	if h.canceler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			// The trigger may still be armed. The handle stays cancelled so
			// the trigger finds nothing to claim when it runs.
			err = fmt.Errorf("%w: %s: panic: %v", ErrJobCancellationFailed, h.Name, r)
		}
	}()
	h.canceler.Remove(h.Name)
	return nil
}

// retire marks a handle cancelled without touching its trigger. Used when a
// newer handle has taken over the same trigger name.
func (h *Handle) retire() {
	h.state.CompareAndSwap(int32(Pending), int32(Cancelled))
}
