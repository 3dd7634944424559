package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "prayerbot/pkg/logx"
)

type fakeCanceler struct {
	mu      sync.Mutex
	removed []string
	panicOn map[string]bool
}

func (f *fakeCanceler) Remove(name string) bool {
	if f.panicOn[name] {
		panic("scheduler exploded")
	}
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	return true
}

func handles(r *Registry, c Canceler, user int64, n int) []*Handle {
	out := make([]*Handle, n)
	for i := range out {
		out[i] = r.Register(NewHandle(user, fmt.Sprintf("prayer:%d:%d", user, i), "Fajr", time.Now().Add(time.Hour), false, c))
	}
	return out
}

func TestCancelAllClearsUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logx.Nop())
	c := &fakeCanceler{}
	hs := handles(r, c, 42, 5)
	handles(r, c, 7, 2)

	if errs := r.CancelAll(42); len(errs) != 0 {
		t.Fatalf("errs=%v", errs)
	}
	if r.Count(42) != 0 {
		t.Fatalf("count=%d want 0", r.Count(42))
	}
	for _, h := range hs {
		if h.State() != Cancelled {
			t.Fatalf("%s state=%v", h.Name, h.State())
		}
		if h.Fire() {
			t.Fatalf("cancelled handle %s fired", h.Name)
		}
	}
	if len(c.removed) != 5 {
		t.Fatalf("triggers removed=%d want 5", len(c.removed))
	}
	if r.Count(7) != 2 {
		t.Fatalf("other user disturbed: %d", r.Count(7))
	}
	if got := r.Users(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("users=%v", got)
	}
}

func TestCancelAllTreatsFiredAsDone(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logx.Nop())
	c := &fakeCanceler{}
	hs := handles(r, c, 1, 3)
	if !hs[0].Fire() {
		t.Fatalf("first fire should claim the handle")
	}
	if hs[0].Fire() {
		t.Fatalf("one-shot handle fired twice")
	}

	if errs := r.CancelAll(1); len(errs) != 0 {
		t.Fatalf("fired handle must not be a cancellation failure: %v", errs)
	}
	if r.Count(1) != 0 {
		t.Fatalf("count=%d", r.Count(1))
	}
	if hs[0].State() != Fired {
		t.Fatalf("fired handle state changed to %v", hs[0].State())
	}
	if len(c.removed) != 2 {
		t.Fatalf("only pending handles should touch the scheduler, removed=%v", c.removed)
	}
}

func TestCancelAllContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logx.Nop())
	c := &fakeCanceler{panicOn: map[string]bool{"prayer:9:1": true}}
	hs := handles(r, c, 9, 3)

	errs := r.CancelAll(9)
	if len(errs) != 1 || !errors.Is(errs[0], ErrJobCancellationFailed) {
		t.Fatalf("errs=%v", errs)
	}
	if len(c.removed) != 2 {
		t.Fatalf("remaining handles were not processed: %v", c.removed)
	}
	for _, name := range c.removed {
		if name == hs[1].Name {
			t.Fatalf("failed handle reported as removed")
		}
	}
	if r.Count(9) != 1 {
		t.Fatalf("failed handle should stay registered, count=%d", r.Count(9))
	}
	if hs[1].Fire() {
		t.Fatalf("a handle whose cancellation failed must still never fire")
	}

	c.panicOn = nil
	if errs := r.CancelAll(9); len(errs) != 0 || r.Count(9) != 0 {
		t.Fatalf("retry should clear the user: errs=%v count=%d", errs, r.Count(9))
	}
}

func TestRegisterReplacesSameName(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logx.Nop())
	old := r.Register(NewHandle(3, "prayer:3:2026-10-18:Asr", "Asr", time.Now(), false, nil))
	cur := r.Register(NewHandle(3, "prayer:3:2026-10-18:Asr", "Asr", time.Now(), false, nil))

	if r.Count(3) != 1 {
		t.Fatalf("count=%d want 1", r.Count(3))
	}
	if old.State() != Cancelled || old.Fire() {
		t.Fatalf("replaced handle should be retired")
	}
	if !cur.Fire() {
		t.Fatalf("new handle should fire")
	}
	if !r.Remove(cur) || r.Remove(cur) {
		t.Fatalf("Remove should succeed exactly once")
	}
	if len(r.Users()) != 0 {
		t.Fatalf("empty user entry should be deleted")
	}
}

func TestRecurringHandle(t *testing.T) {
	t.Parallel()

	h := NewHandle(5, "daily:5", "daily", time.Time{}, true, &fakeCanceler{})
	for i := 0; i < 3; i++ {
		if !h.Fire() {
			t.Fatalf("recurring handle should fire on trigger %d", i)
		}
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.Fire() {
		t.Fatalf("cancelled recurring handle fired")
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestCancelRacesFire(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		h := NewHandle(1, "race", "Isha", time.Now(), false, &fakeCanceler{})
		var fired, cancelled bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); fired = h.Fire() }()
		go func() { defer wg.Done(); _ = h.Cancel(); cancelled = h.State() == Cancelled }()
		wg.Wait()
		if fired == cancelled {
			t.Fatalf("iteration %d: fired=%v cancelled=%v", i, fired, cancelled)
		}
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	t.Parallel()

	r := NewRegistry(logx.Nop())
	c := &fakeCanceler{}
	var wg sync.WaitGroup
	for u := int64(1); u <= 8; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				handles(r, c, u, 3)
				r.CancelAll(u)
			}
			handles(r, c, u, 6)
		}(u)
	}
	wg.Wait()
	if r.Total() != 8*6 {
		t.Fatalf("total=%d want %d", r.Total(), 8*6)
	}
}
