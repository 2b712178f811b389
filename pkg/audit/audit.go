// Package audit keeps an append-only trail of security events on a node.
//
// Each event is one JSON object per line. Files rotate through lumberjack,
// and a Reader filters them back for review.
//
// Example Usage:
//
//	logger, err := audit.NewLogger(audit.Config{Path: "./logs/audit.log"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	authenticator.SetAuditLogger(logger.AuthHook())
//
//	result, _ := audit.NewReader("./logs/audit.log").Query(audit.Query{
//		EventTypes: []audit.EventType{audit.EventLoginFailed},
//	})
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/orneryd/nornicdb-driver/pkg/auth"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit logger is closed")

// EventType classifies an audit event.
type EventType string

const (
	EventLogin         EventType = "LOGIN"
	EventLoginFailed   EventType = "LOGIN_FAILED"
	EventAccountLocked EventType = "ACCOUNT_LOCKED"
	EventUserCreate    EventType = "USER_CREATE"
	EventUserDelete    EventType = "USER_DELETE"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	Username string `json:"username,omitempty"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config configures a Logger.
type Config struct {
	// Path of the audit file. Required by NewLogger.
	Path string
	// MaxSizeMB rotates the file once it grows past this size. Zero uses
	// lumberjack's default of 100MB.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// AlertOn lists event types passed to the alert callback.
	AlertOn []EventType
}

// Logger appends events to the audit trail. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	config   Config
	sequence uint64
	closed   bool
	now      func() time.Time

	alert func(Event)
}

// NewLogger opens the audit file at cfg.Path for appending.
func NewLogger(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	// Open eagerly so a bad path fails at startup.
	if _, err := rotated.Write(nil); err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l := NewLoggerWithWriter(rotated, cfg)
	l.closer = rotated
	return l, nil
}

// NewLoggerWithWriter writes events to w.
func NewLoggerWithWriter(w io.Writer, cfg Config) *Logger {
	return &Logger{w: w, config: cfg, now: time.Now}
}

// SetAlertCallback sets the function called for events listed in
// Config.AlertOn. It runs under the logger's lock and must not call Log.
func (l *Logger) SetAlertCallback(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alert = fn
}

// Log appends event, filling Timestamp and ID when unset.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	if l.alert != nil && slices.Contains(l.config.AlertOn, event.Type) {
		l.alert(event)
	}
	return nil
}

// AuthHook returns a callback for auth.Authenticator.SetAuditLogger.
// Write failures are dropped.
func (l *Logger) AuthHook() func(auth.AuditEvent) {
	return func(e auth.AuditEvent) {
		_ = l.Log(fromAuth(e))
	}
}

func fromAuth(e auth.AuditEvent) Event {
	event := Event{
		Timestamp: e.Timestamp,
		Username:  e.Username,
		Success:   e.Success,
		Reason:    e.Details,
	}
	switch e.EventType {
	case "login":
		switch {
		case e.Success:
			event.Type = EventLogin
		case e.Details == "account locked":
			event.Type = EventAccountLocked
		default:
			event.Type = EventLoginFailed
		}
	case "user_create":
		event.Type = EventUserCreate
	case "user_delete":
		event.Type = EventUserDelete
	default:
		event.Type = EventType(e.EventType)
	}
	return event
}

// Close stops logging and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Query filters the audit trail. Zero fields match everything.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []EventType
	Username   string
	Success    *bool
	Limit      int
	Offset     int
}

// QueryResult holds the events matching a Query.
type QueryResult struct {
	Events     []Event
	TotalCount int
	HasMore    bool
}

// Reader reads an audit file.
type Reader struct {
	path string
}

// NewReader creates a reader for the audit file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the file in order. A missing file yields no events; lines
// that do not decode are skipped.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &QueryResult{Events: []Event{}}, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	events := []Event{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if q.matches(event) {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	total := len(events)
	if q.Offset > 0 {
		events = events[min(q.Offset, len(events)):]
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    q.Offset+len(events) < total,
	}, nil
}

func (q Query) matches(event Event) bool {
	if !q.StartTime.IsZero() && event.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && event.Timestamp.After(q.EndTime) {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, event.Type) {
		return false
	}
	if q.Username != "" && event.Username != q.Username {
		return false
	}
	if q.Success != nil && event.Success != *q.Success {
		return false
	}
	return true
}
