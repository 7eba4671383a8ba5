package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned when an event is missing envelope fields.
var ErrInvalidEvent = errors.New("eventlog: invalid event")

const maxLineBytes = 16 << 20

// Log is an append-only JSONL event log shared between processes. Appends
// hold an exclusive advisory lock; reads take none.
type Log struct {
	path    string
	project string
	now     func() time.Time
	logger  *slog.Logger
	mu      sync.Mutex
}

// Option customises a Log.
type Option func(*Log)

// WithClock overrides the wall clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New opens (creating the parent directory if needed) the log at path.
// Events emitted through Emit are stamped with project.
func New(path, project string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: ensure dir: %w", err)
	}
	l := &Log{
		path:    path,
		project: strings.TrimSpace(project),
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Project returns the project name stamped on emitted events.
func (l *Log) Project() string {
	if l == nil {
		return ""
	}
	return l.project
}

// Emit builds an event of the given type for this log's project and appends it.
func (l *Log) Emit(eventType string, data map[string]any) (Event, error) {
	return l.Append(Event{EventType: eventType, Project: l.project, Data: data})
}

// Append writes one event as a single line. A zero timestamp is filled from
// the clock, and any timestamp earlier than the last line's is raised to it so
// the log stays non-decreasing.
func (l *Log) Append(ev Event) (Event, error) {
	if l == nil {
		return ev, fmt.Errorf("%w: nil log", ErrInvalidEvent)
	}
	ev.EventType = strings.TrimSpace(ev.EventType)
	if ev.EventType == "" {
		return ev, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.Project) == "" {
		ev.Project = l.project
	}
	if ev.Project == "" {
		return ev, fmt.Errorf("%w: project is required for %s", ErrInvalidEvent, ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return ev, fmt.Errorf("eventlog: open: %w", err)
	}
	defer file.Close()
	if err := lockFile(file); err != nil {
		return ev, fmt.Errorf("eventlog: lock: %w", err)
	}
	defer func() {
		if err := unlockFile(file); err != nil {
			l.logger.Warn("eventlog unlock failed", "path", l.path, "error", err)
		}
	}()

	if last, ok := lastTimestamp(file); ok && ev.Timestamp.Before(last) {
		ev.Timestamp = last
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("eventlog: encode %s: %w", ev.EventType, err)
	}
	line = append(line, '\n')
	if partialTail(file) {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := file.Write(line); err != nil {
		return ev, fmt.Errorf("eventlog: write: %w", err)
	}
	if err := file.Sync(); err != nil {
		return ev, fmt.Errorf("eventlog: sync: %w", err)
	}
	l.logger.Debug("event appended", "event_type", ev.EventType, "event_id", ev.EventID)
	return ev, nil
}

// Malformed describes a line that could not be decoded.
type Malformed struct {
	Line int
	Raw  string
	Err  error
}

func (m Malformed) Error() string {
	return fmt.Sprintf("line %d: %v", m.Line, m.Err)
}

// Read decodes every line of the log.
func (l *Log) Read() ([]Event, []Malformed, error) {
	return ReadFile(l.path)
}

// Tail returns up to n of the most recent events.
func (l *Log) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	events, _, err := l.Read()
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// ReadFile decodes the log at path. A missing file is an empty log. Blank
// lines are ignored; undecodable lines are returned as Malformed and do not
// stop the read.
func ReadFile(path string) ([]Event, []Malformed, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("eventlog: open: %w", err)
	}
	defer file.Close()
	return decode(file)
}

func decode(r io.Reader) ([]Event, []Malformed, error) {
	var (
		events    []Event
		malformed []Malformed
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			malformed = append(malformed, Malformed{Line: lineNo, Raw: string(raw), Err: err})
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, malformed, fmt.Errorf("eventlog: scan: %w", err)
	}
	return events, malformed, nil
}

// partialTail reports whether the file ends in a line without a newline,
// as left by a writer that died mid-append.
func partialTail(file *os.File) bool {
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false
	}
	return last[0] != '\n'
}

// lastTimestamp reads the final complete line of the file and returns its
// timestamp. The read window doubles until a line boundary is found.
func lastTimestamp(file *os.File) (time.Time, bool) {
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		return time.Time{}, false
	}
	size := info.Size()
	for window := int64(64 * 1024); ; window *= 2 {
		start := size - window
		if start < 0 {
			start = 0
		}
		buf := make([]byte, size-start)
		if _, err := file.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return time.Time{}, false
		}
		buf = bytes.TrimRight(buf, "\r\n\t ")
		idx := bytes.LastIndexByte(buf, '\n')
		if idx < 0 && start > 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(buf[idx+1:], &ev); err != nil {
			return time.Time{}, false
		}
		return ev.Timestamp, true
	}
}
