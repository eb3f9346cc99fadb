package publisher

import (
	"fmt"
	"sync"

	"github.com/tesseradb/tessera/telemetry"
)

// DefaultLogSize is the ring capacity used when none is configured.
const DefaultLogSize = 8192

// Log is an in-memory sequenced ring of transaction records. Appends assign
// monotonic sequence numbers; sinks tail the log through named cursors.
// When the ring wraps, the oldest records are dropped and a sink that fell
// that far behind skips ahead.
type Log struct {
	mu      sync.RWMutex
	ring    []TxnRecord
	size    int
	nextSeq uint64
	cursors map[string]uint64
	closed  bool
}

// NewLog creates a log holding up to size records.
func NewLog(size int) *Log {
	if size < 1 {
		size = DefaultLogSize
	}
	return &Log{
		ring:    make([]TxnRecord, 0, size),
		size:    size,
		cursors: make(map[string]uint64),
	}
}

// Append adds one record and assigns its sequence number.
func (l *Log) Append(rec TxnRecord) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("publish log is closed")
	}

	l.nextSeq++
	rec.SeqNum = l.nextSeq

	if len(l.ring) == l.size {
		l.ring = l.ring[1:]
		telemetry.PublisherLogDropsTotal.Inc()
	}
	l.ring = append(l.ring, rec)
	return rec.SeqNum, nil
}

// ReadFrom returns up to limit records with sequence numbers above cursor.
func (l *Log) ReadFrom(cursor uint64, limit int) ([]TxnRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("publish log is closed")
	}
	if limit <= 0 {
		limit = 100
	}

	out := make([]TxnRecord, 0, limit)
	for _, rec := range l.ring {
		if rec.SeqNum <= cursor {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetCursor returns the named sink's position. Unknown sinks start at the
// oldest retained record.
func (l *Log) GetCursor(sinkName string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cursor, ok := l.cursors[sinkName]; ok {
		return cursor
	}
	if len(l.ring) > 0 {
		return l.ring[0].SeqNum - 1
	}
	return l.nextSeq
}

// AdvanceCursor moves the named sink's position forward.
func (l *Log) AdvanceCursor(sinkName string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.cursors[sinkName] {
		l.cursors[sinkName] = seq
	}
}

// Len returns how many records are currently retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ring)
}

// Close rejects further appends and reads.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
