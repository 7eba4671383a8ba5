package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events", "events.jsonl")
	log, err := New(path, "demo", opts...)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return log
}

func TestEmitWritesFlatJSONLine(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := newTestLog(t, WithClock(func() time.Time { return fixed }))
	if _, err := log.Emit(TypeIterationCompleted, map[string]any{"edge": "design→code", "delta": 2}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	raw, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fields["event_type"] != TypeIterationCompleted || fields["project"] != "demo" {
		t.Fatalf("unexpected envelope %v", fields)
	}
	if fields["edge"] != "design→code" || fields["delta"] != float64(2) {
		t.Fatalf("data not flattened: %v", fields)
	}
	if fields["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp = %v", fields["timestamp"])
	}
	if id, _ := fields["event_id"].(string); id == "" {
		t.Fatalf("expected event_id")
	}
}

func TestAppendRejectsMissingEnvelope(t *testing.T) {
	log := newTestLog(t)
	if _, err := log.Append(Event{Project: "demo"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for missing type, got %v", err)
	}
	anonymous, err := New(filepath.Join(t.TempDir(), "events.jsonl"), "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := anonymous.Emit(TypeEdgeStarted, nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for missing project, got %v", err)
	}
}

func TestTimestampsNeverDecrease(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	idx := 0
	log := newTestLog(t, WithClock(func() time.Time {
		ts := ticks[idx]
		idx++
		return ts
	}))
	for i := 0; i < len(ticks); i++ {
		if _, err := log.Emit(TypeIterationCompleted, map[string]any{"iteration": i + 1}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	events, malformed, err := log.Read()
	if err != nil || len(malformed) != 0 {
		t.Fatalf("read: %v %v", err, malformed)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("event %d went backwards: %s < %s", i, events[i].Timestamp, events[i-1].Timestamp)
		}
	}
	if !events[1].Timestamp.Equal(base) {
		t.Fatalf("expected clamped timestamp %s, got %s", base, events[1].Timestamp)
	}
}

func TestReadReportsMalformedLinesAndContinues(t *testing.T) {
	log := newTestLog(t)
	if _, err := log.Emit(TypeEdgeStarted, map[string]any{"edge": "a→b"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fmt.Fprintln(f, `{"event_type": "broken"`)
	fmt.Fprintln(f)
	f.Close()
	if _, err := log.Emit(TypeEdgeConverged, map[string]any{"edge": "a→b"}); err != nil {
		t.Fatalf("emit after garbage: %v", err)
	}
	events, malformed, err := log.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if len(malformed) != 1 || malformed[0].Line != 2 {
		t.Fatalf("unexpected malformed report %+v", malformed)
	}
	if events[1].String("edge") != "a→b" {
		t.Fatalf("data lost: %+v", events[1])
	}
}

func TestAppendStartsNewLineAfterTruncatedWrite(t *testing.T) {
	log := newTestLog(t)
	if _, err := log.Emit(TypeEdgeStarted, map[string]any{"edge": "a→b"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fmt.Fprint(f, `{"event_type": "iteration_compl`)
	f.Close()

	if _, err := log.Emit(TypeEdgeConverged, map[string]any{"edge": "a→b"}); err != nil {
		t.Fatalf("emit after truncated line: %v", err)
	}
	events, malformed, err := log.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[1].EventType != TypeEdgeConverged {
		t.Fatalf("event glued onto truncated line: %+v", events)
	}
	if len(malformed) != 1 || malformed[0].Line != 2 {
		t.Fatalf("expected only the truncated line to be malformed, got %+v", malformed)
	}
	data, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(data), "\n\n") {
		t.Fatalf("unexpected blank line in %q", data)
	}
}

func TestConcurrentWritersNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	const writers, perWriter = 4, 25
	payload := strings.Repeat("x", 2048)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		// Separate Log values stand in for separate processes.
		log, err := New(path, "demo")
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := log.Emit(TypeIterationCompleted, map[string]any{"writer": w, "payload": payload}); err != nil {
					t.Errorf("emit: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	events, malformed, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(malformed) != 0 {
		t.Fatalf("interleaved lines: %+v", malformed[0])
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
}

func TestTailAndMissingFile(t *testing.T) {
	log := newTestLog(t)
	events, err := log.Tail(5)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty tail on missing file, got %v %v", events, err)
	}
	for i := 0; i < 5; i++ {
		if _, err := log.Emit(TypeIterationCompleted, map[string]any{"iteration": i + 1}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	events, err = log.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2, got %d", len(events))
	}
	if n, _ := events[1].Int("iteration"); n != 5 {
		t.Fatalf("last iteration = %d", n)
	}
}
