// Package history is the durable per-room chat log. The pub/sub transport
// retains nothing, so every chat history read is served from here.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// DefaultLimit is used when a caller asks for a non-positive number of entries.
const DefaultLimit = 50

var ErrClosed = errors.New("history closed")

// Log stores opaque records keyed by room, send time and message id.
//
// Key layout:
//
//	room/<room>/<sentAt unix nanos, 20 digits>/<id> -> record
//	id/<room>/<id>                                 -> empty (dedup index)
type Log struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

type Option func(*pebble.Options)

// InMemory keeps the log in memory; used by tests and the memory transport.
func InMemory() Option {
	return func(o *pebble.Options) { o.FS = vfs.NewMem() }
}

func Open(path string, opts ...Option) (*Log, error) {
	pebbleOpts := &pebble.Options{}
	for _, opt := range opts {
		opt(pebbleOpts)
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.db.Close()
}

func roomPrefix(room string) string {
	return "room/" + room + "/"
}

func entryKey(room string, sentAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", roomPrefix(room), sentAt.UnixNano(), id))
}

func idKey(room, id string) []byte {
	return []byte("id/" + room + "/" + id)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}

// Append records one message. It reports false without writing when id is
// already present in room, so redelivered messages are stored once.
func (l *Log) Append(room, id string, sentAt time.Time, record []byte) (bool, error) {
	if room == "" || id == "" {
		return false, fmt.Errorf("history append: room and id required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}

	_, closer, err := l.db.Get(idKey(room, id))
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("history lookup: %w", err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(entryKey(room, sentAt, id), record, nil); err != nil {
		return false, err
	}
	if err := batch.Set(idKey(room, id), nil, nil); err != nil {
		return false, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("history commit: %w", err)
	}
	return true, nil
}

// Recent returns up to limit records of room, oldest first.
func (l *Log) Recent(room string, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	prefix := roomPrefix(room)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var newestFirst [][]byte
	for ok := iter.Last(); ok && len(newestFirst) < limit; ok = iter.Prev() {
		value := iter.Value()
		record := make([]byte, len(value))
		copy(record, value)
		newestFirst = append(newestFirst, record)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	records := make([][]byte, len(newestFirst))
	for i, r := range newestFirst {
		records[len(newestFirst)-1-i] = r
	}
	return records, nil
}
