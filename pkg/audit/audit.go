// Package audit provides the append-only audit trail for encryption operations.
//
// Every manager operation writes a "<op>_start" entry followed by exactly one
// "<op>_success" or "<op>_error" entry. Entries live in a capacity-bounded ring
// (oldest evicted) and can be exported to durable sinks with Flush:
//
//   - WriterSink: JSON lines to any io.Writer, or to an append-only file
//   - BadgerSink: one key per entry in a Badger database, optional TTL retention
//
// Exports are at-least-once: a failing sink keeps its entries pending until the
// next Flush. Entries evicted from the ring before they were flushed are counted
// as dropped.
//
// A disabled trail ignores Log but still records LogRequired, which callers use
// for operations whose compliance policy makes auditing mandatory.
//
// Example:
//
//	trail := audit.NewTrail(audit.DefaultConfig())
//	trail.AddSink(audit.NewWriterSink(os.Stdout))
//
//	trail.Log("tenant-a", "encrypt_document_start", map[string]any{"mode": "auto"})
//	trail.Log("tenant-a", "encrypt_document_success", nil)
//
//	for _, e := range trail.Recent(10) {
//		fmt.Println(e.Timestamp, e.EventType)
//	}
//	_ = trail.Flush(ctx)
//
// Audit details never contain plaintext or key material; callers pass field
// names, modes, policy names and error strings only.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names an audit event, e.g. "encrypt_document_success".
type EventType string

// Suffixes appended to an operation name.
const (
	SuffixStart   = "_start"
	SuffixSuccess = "_success"
	SuffixError   = "_error"
)

// Start returns the "<op>_start" event type.
func Start(op string) EventType { return EventType(op + SuffixStart) }

// Success returns the "<op>_success" event type.
func Success(op string) EventType { return EventType(op + SuffixSuccess) }

// Failure returns the "<op>_error" event type.
func Failure(op string) EventType { return EventType(op + SuffixError) }

// IsError reports whether t marks a failed operation.
func (t EventType) IsError() bool { return strings.HasSuffix(string(t), SuffixError) }

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit: trail is closed")

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	EventType EventType      `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	// Required marks entries recorded because a policy mandates auditing.
	Required bool `json:"required,omitempty"`

	seq uint64
}

// Config holds trail configuration.
type Config struct {
	// Enabled controls whether Log records entries. LogRequired always does.
	Enabled bool `yaml:"enabled"`

	// Capacity bounds the in-memory ring.
	Capacity int `yaml:"capacity"`

	// AlertOnErrors invokes the alert callback for every "_error" entry.
	AlertOnErrors bool `yaml:"alert_on_errors"`
}

// DefaultConfig returns the default trail settings.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Capacity:      10000,
		AlertOnErrors: true,
	}
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger sets the logger used for sink failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// Trail is the in-memory audit ring. Safe for concurrent use.
type Trail struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	buf           []Entry
	next          int
	full          bool
	sequence      uint64
	sinks         []*sinkState
	dropped       uint64
	closed        bool
	alertCallback func(Entry)
}

type sinkState struct {
	sink    Sink
	flushed uint64 // highest sequence exported
}

// NewTrail creates a trail. A non-positive capacity uses the default.
func NewTrail(config Config, opts ...Option) *Trail {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	t := &Trail{
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		buf:    make([]Entry, config.Capacity),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddSink registers an export sink. Only entries logged after registration
// are exported to it.
func (t *Trail) AddSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, &sinkState{sink: s, flushed: t.sequence})
}

// SetAlertCallback sets a callback for failed operations.
// The callback runs outside the trail lock.
func (t *Trail) SetAlertCallback(fn func(Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alertCallback = fn
}

// Log appends an entry. The details map is copied. No-op on a disabled trail.
func (t *Trail) Log(tenantID string, eventType EventType, details map[string]any) error {
	if !t.config.Enabled {
		return nil
	}
	return t.append(tenantID, eventType, details, false)
}

// LogRequired appends an entry even when the trail is disabled.
func (t *Trail) LogRequired(tenantID string, eventType EventType, details map[string]any) error {
	return t.append(tenantID, eventType, details, true)
}

func (t *Trail) append(tenantID string, eventType EventType, details map[string]any, required bool) error {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: t.now().UTC(),
		TenantID:  tenantID,
		EventType: eventType,
		Required:  required,
	}
	if len(details) > 0 {
		entry.Details = make(map[string]any, len(details))
		for k, v := range details {
			entry.Details[k] = v
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.sequence++
	entry.seq = t.sequence

	if t.full {
		evicted := t.buf[t.next]
		for _, s := range t.sinks {
			if evicted.seq > s.flushed {
				t.dropped++
				break
			}
		}
	}
	t.buf[t.next] = entry
	t.next++
	if t.next == len(t.buf) {
		t.next = 0
		t.full = true
	}
	callback := t.alertCallback
	t.mu.Unlock()

	if callback != nil && t.config.AlertOnErrors && eventType.IsError() {
		callback(entry)
	}
	return nil
}

// items returns the ring contents oldest first. Caller holds t.mu.
func (t *Trail) items() []Entry {
	n := t.next
	if t.full {
		n = len(t.buf)
	}
	out := make([]Entry, 0, n)
	if t.full {
		out = append(out, t.buf[t.next:]...)
	}
	return append(out, t.buf[:t.next]...)
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.next
}

// Recent returns up to limit most recent entries, oldest first.
// A non-positive limit returns everything retained.
func (t *Trail) Recent(limit int) []Entry {
	t.mu.Lock()
	all := t.items()
	t.mu.Unlock()

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Query filters audit entries.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	TenantID   string
	EventTypes []EventType
	ErrorsOnly bool
	Limit      int
	Offset     int
}

// Matches reports whether e passes the filter. Limit and Offset are ignored.
func (q Query) Matches(e Entry) bool {
	if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, e.EventType) {
		return false
	}
	if q.ErrorsOnly && !e.EventType.IsError() {
		return false
	}
	return true
}

// QueryResult holds audit query results.
type QueryResult struct {
	Entries    []Entry
	TotalCount int
	HasMore    bool
}

// Query searches the retained entries.
func (t *Trail) Query(q Query) *QueryResult {
	t.mu.Lock()
	all := t.items()
	t.mu.Unlock()
	return paginate(filter(all, q), q)
}

func filter(entries []Entry, q Query) []Entry {
	var out []Entry
	for _, e := range entries {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func paginate(entries []Entry, q Query) *QueryResult {
	total := len(entries)
	if q.Offset > 0 {
		if q.Offset >= len(entries) {
			entries = nil
		} else {
			entries = entries[q.Offset:]
		}
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return &QueryResult{
		Entries:    entries,
		TotalCount: total,
		HasMore:    q.Offset+len(entries) < total,
	}
}

func containsEventType(types []EventType, t EventType) bool {
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}

// Stats describes the trail.
type Stats struct {
	Retained int    `json:"retained"`
	Capacity int    `json:"capacity"`
	Total    uint64 `json:"total"`
	Dropped  uint64 `json:"dropped"`
	Sinks    int    `json:"sinks"`
	Pending  int    `json:"pending"`
}

// Stats returns current counters. Pending is the largest backlog of any sink.
func (t *Trail) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Capacity: len(t.buf),
		Total:    t.sequence,
		Dropped:  t.dropped,
		Sinks:    len(t.sinks),
	}
	all := t.items()
	s.Retained = len(all)
	for _, st := range t.sinks {
		n := 0
		for _, e := range all {
			if e.seq > st.flushed {
				n++
			}
		}
		if n > s.Pending {
			s.Pending = n
		}
	}
	return s
}

// Flush exports every pending entry to every sink. Sinks are written in
// registration order; a failing sink does not stop the others and keeps its
// entries pending.
func (t *Trail) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	all := t.items()
	type job struct {
		state   *sinkState
		entries []Entry
	}
	jobs := make([]job, 0, len(t.sinks))
	for _, st := range t.sinks {
		var pending []Entry
		for _, e := range all {
			if e.seq > st.flushed {
				pending = append(pending, e)
			}
		}
		if len(pending) > 0 {
			jobs = append(jobs, job{state: st, entries: pending})
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := j.state.sink.Write(ctx, j.entries); err != nil {
			t.logger.Error("audit sink export failed",
				zap.String("sink", j.state.sink.Name()),
				zap.Int("entries", len(j.entries)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("audit sink %s: %w", j.state.sink.Name(), err))
			continue
		}
		last := j.entries[len(j.entries)-1].seq
		t.mu.Lock()
		if last > j.state.flushed {
			j.state.flushed = last
		}
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close flushes pending entries, closes every sink and rejects further Log calls.
func (t *Trail) Close(ctx context.Context) error {
	flushErr := t.Flush(ctx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return flushErr
	}
	t.closed = true
	sinks := t.sinks
	t.mu.Unlock()

	errs := []error{flushErr}
	for _, st := range sinks {
		if err := st.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit sink %s: %w", st.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
