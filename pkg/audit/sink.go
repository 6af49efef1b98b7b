package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives exported audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// WriterSink writes entries as JSON lines.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	sync   bool
	closed bool
}

// NewWriterSink writes to w. Close does not close w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// OpenFileSink opens path in append mode, creating parent directories.
// With syncWrites the file is fsynced after every batch.
func OpenFileSink(path string, syncWrites bool) (*WriterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &WriterSink{w: f, file: f, sync: syncWrites}, nil
}

// Name implements Sink.
func (s *WriterSink) Name() string {
	if s.file != nil {
		return "file:" + s.file.Name()
	}
	return "writer"
}

// Write implements Sink.
func (s *WriterSink) Write(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	bw := bufio.NewWriter(s.w)
	enc := json.NewEncoder(bw)
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("writing audit entry: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	if s.sync && s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("syncing audit log: %w", err)
		}
	}
	return nil
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// ReadFile queries a JSON-lines audit file written by a file sink.
// Malformed lines are skipped. A missing file yields an empty result.
func ReadFile(path string, q Query) (*QueryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return paginate(nil, q), nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if q.Matches(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return paginate(entries, q), nil
}
