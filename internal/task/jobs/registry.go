package jobs

import (
	"sort"
	"sync"

	logx "prayerbot/pkg/logx"
)

// Registry holds each user's live handles in registration order.
type Registry struct {
	mu    sync.Mutex
	users map[int64][]*Handle
	log   logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{users: map[int64][]*Handle{}, log: log}
}

// Register appends h to its user's set. A pending handle already registered
// under the same trigger name is retired, since the scheduler replaces
// triggers by name.
func (r *Registry) Register(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[h.UserID]
	for i, old := range set {
		if old.Name == h.Name {
			old.retire()
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	r.users[h.UserID] = append(set, h)
	return h
}

// Remove drops h from its user's set. It reports whether h was present.
func (r *Registry) Remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[h.UserID]
	for i, cur := range set {
		if cur == h {
			set = append(set[:i], set[i+1:]...)
			if len(set) == 0 {
				delete(r.users, h.UserID)
			} else {
				r.users[h.UserID] = set
			}
			return true
		}
	}
	return false
}

// CancelAll cancels every handle of userID. Each handle is attempted even if
// an earlier one fails; failed handles stay registered and their errors are
// returned. Handles that already fired count as cancelled.
func (r *Registry) CancelAll(userID int64) []error {
	r.mu.Lock()
	snapshot := append([]*Handle(nil), r.users[userID]...)
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	var errs []error
	done := make(map[*Handle]bool, len(snapshot))
	for _, h := range snapshot {
		prev := h.State()
		if err := h.Cancel(); err != nil {
			r.log.Error("job cancel failed", logx.Int64("user_id", userID), logx.String("job", h.Name), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		done[h] = true
		r.log.Debug("job cancelled", logx.Int64("user_id", userID), logx.String("job", h.Name), logx.String("was", prev.String()))
	}

	r.mu.Lock()
	kept := r.users[userID][:0]
	for _, h := range r.users[userID] {
		if !done[h] {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(r.users, userID)
	} else {
		r.users[userID] = kept
	}
	r.mu.Unlock()

	r.log.Info("user jobs cancelled", logx.Int64("user_id", userID), logx.Int("cancelled", len(done)), logx.Int("failed", len(errs)))
	return errs
}

func (r *Registry) Count(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID])
}

// Users lists every user with at least one handle, ascending.
func (r *Registry) Users() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Total counts handles across all users.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.users {
		n += len(set)
	}
	return n
}
