package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout: prefix | unix-nano timestamp (8 bytes BE) | entry id.
// Keys sort chronologically so a prefix scan returns entries in order.
const prefixEntry = byte(0x41)

// BadgerOptions configures a BadgerSink.
type BadgerOptions struct {
	// DataDir is the database directory. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps the database in RAM, for tests.
	InMemory bool

	// SyncWrites fsyncs every batch.
	SyncWrites bool

	// Retention sets a TTL on every exported entry. Zero keeps entries forever.
	Retention time.Duration

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *zap.Logger
}

// BadgerSink persists entries into a Badger database.
type BadgerSink struct {
	db        *badger.DB
	retention time.Duration
}

// OpenBadgerSink opens (or creates) the audit database.
func OpenBadgerSink(opts BadgerOptions) (*BadgerSink, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{s: opts.Logger.Named("badger").Sugar()})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// Audit entries are small and append-only.
	badgerOpts = badgerOpts.
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit BadgerDB: %w", err)
	}
	return &BadgerSink{db: db, retention: opts.Retention}, nil
}

func entryKey(e *Entry) []byte {
	key := make([]byte, 1+8, 1+8+len(e.ID))
	key[0] = prefixEntry
	binary.BigEndian.PutUint64(key[1:], uint64(e.Timestamp.UnixNano()))
	return append(key, e.ID...)
}

// Name implements Sink.
func (s *BadgerSink) Name() string { return "badger" }

// Write implements Sink. Entries are written in one batch; rewriting an entry
// with the same id and timestamp overwrites it.
func (s *BadgerSink) Write(ctx context.Context, entries []Entry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("marshaling audit entry: %w", err)
		}
		be := badger.NewEntry(entryKey(&entries[i]), data)
		if s.retention > 0 {
			be = be.WithTTL(s.retention)
		}
		if err := wb.SetEntry(be); err != nil {
			return fmt.Errorf("writing audit entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("committing audit batch: %w", err)
	}
	return nil
}

// Query scans the stored entries in chronological order.
func (s *BadgerSink) Query(q Query) (*QueryResult, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixEntry}
		seek := prefix
		if !q.StartTime.IsZero() {
			seek = make([]byte, 9)
			seek[0] = prefixEntry
			binary.BigEndian.PutUint64(seek[1:], uint64(q.StartTime.UnixNano()))
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decoding audit entry: %w", err)
			}
			if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
				break
			}
			if q.Matches(e) {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paginate(entries, q), nil
}

// Count returns the number of stored entries.
func (s *BadgerSink) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixEntry}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close implements Sink.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
