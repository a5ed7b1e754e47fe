package feedback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/signalsfoundry/railtwin/internal/logging"
)

// Store is an append-only override store.
type Store interface {
	Name() string
	Append(ctx context.Context, r OverrideRecord) error
	List(ctx context.Context) ([]OverrideRecord, error)
}

const keyPrefix = "override/"

// BadgerConfig configures the primary store.
type BadgerConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// BadgerStore keeps overrides in BadgerDB under time-ordered keys.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	log logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

// OpenBadger opens the primary store. A nil logger silences badger.
func OpenBadger(cfg BadgerConfig, log logging.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent override store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create override store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log: log})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open override store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Name implements Store.
func (s *BadgerStore) Name() string { return "badger" }

// Close releases the database.
func (s *BadgerStore) Close() error { return s.db.Close() }

func recordKey(r OverrideRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, r.Timestamp.UnixNano(), r.ID))
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, r OverrideRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode override %s: %w", r.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r), data)
	})
}

// List implements Store, returning records oldest first.
func (s *BadgerStore) List(ctx context.Context) ([]OverrideRecord, error) {
	var out []OverrideRecord
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var r OverrideRecord
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("decode override at %s: %w", it.Item().Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// FileLog is the local fallback: one JSON record per line, synced to disk
// after every append.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog creates the log's directory if needed.
func NewFileLog(path string) (*FileLog, error) {
	if path == "" {
		return nil, errors.New("fallback log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create fallback log directory: %w", err)
	}
	return &FileLog{path: path}, nil
}

// Name implements Store.
func (l *FileLog) Name() string { return "file" }

// Path returns the log location.
func (l *FileLog) Path() string { return l.path }

// Append implements Store.
func (l *FileLog) Append(_ context.Context, r OverrideRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode override %s: %w", r.ID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open fallback log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write fallback log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync fallback log: %w", err)
	}
	return f.Close()
}

// List implements Store. A missing log is empty.
func (l *FileLog) List(ctx context.Context) ([]OverrideRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open fallback log: %w", err)
	}
	defer f.Close()

	var out []OverrideRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r OverrideRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("fallback log line %d: %w", line, err)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, sc.Err()
}

// truncate empties the log after a successful replay.
func (l *FileLog) truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Truncate(l.path, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// memStore is used when no primary store is configured.
type memStore struct {
	mu      sync.Mutex
	records []OverrideRecord
}

// NewMemoryStore returns a volatile Store.
func NewMemoryStore() Store { return &memStore{} }

func (m *memStore) Name() string { return "memory" }

func (m *memStore) Append(_ context.Context, r OverrideRecord) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

func (m *memStore) List(context.Context) ([]OverrideRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OverrideRecord(nil), m.records...), nil
}
