package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, "debug").With(String("comp", "cache"))
	log.Warn("refresh failed", Int("month", 10), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if rec["comp"] != "cache" || rec["message"] != "refresh failed" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["month"].(float64) != 10 {
		t.Fatalf("month=%v", rec["month"])
	}
	if !strings.HasPrefix(rec["caller"].(string), "logx_test.go:") {
		t.Fatalf("caller=%v", rec["caller"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled")
	}
}

func TestZeroLoggerIsSilent(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()

	got := formatRecord([]byte(`{"level":"warn","time":"x","message":"stale table","month":9,"comp":"cache"}`))
	want := "[WARN] stale table\n- comp=cache\n- month=9"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatRecord([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw fallback=%q", got)
	}
}
