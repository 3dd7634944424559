package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"prayerbot/internal/transport"
	logx "prayerbot/pkg/logx"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[int64]int
	errs map[int64]error
}

func (r *recordingSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[to.ChatID]++
	if err := r.errs[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func TestSubmitReportsCompletion(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{
		sent: map[int64]int{},
		errs: map[int64]error{2: transport.ErrUnreachable, 3: errors.New("boom")},
	}
	s := New(Config{RatePerSec: 1000, RetryMax: 1}, rs, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	done := make(chan JobStatus, 1)
	targets := []transport.ChatTarget{{ChatID: 1}, {ChatID: 2}, {ChatID: 3}}
	id, err := s.Submit("announce", targets, "hello", nil, func(st JobStatus) { done <- st })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var st JobStatus
	select {
	case st = <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never finished")
	}
	if st.ID != id || st.Total != 3 || st.Done != 3 || st.Failed != 2 || st.Unreachable != 1 {
		t.Fatalf("status=%+v", st)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.sent[2] != 1 {
		t.Fatalf("unreachable chat retried: %d sends", rs.sent[2])
	}
	if rs.sent[3] != 2 {
		t.Fatalf("transient failure sends=%d, want 2", rs.sent[3])
	}
}

func TestSubmitWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingSender{sent: map[int64]int{}}, logx.Nop())
	if _, err := s.Submit("x", nil, "hi", nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err=%v, want ErrNotRunning", err)
	}
}
