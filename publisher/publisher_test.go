package publisher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu       sync.Mutex
	messages []capturedMsg
	failures int // fail this many publishes before succeeding
}

type capturedMsg struct {
	topic string
	key   string
	value []byte
}

func (s *captureSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.messages = append(s.messages, capturedMsg{topic, key, value})
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) snapshot() []capturedMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedMsg, len(s.messages))
	copy(out, s.messages)
	return out
}

func record(txnID uint64, label, outcome string, caches ...string) TxnRecord {
	return TxnRecord{
		TxnID:       txnID,
		Label:       label,
		Outcome:     outcome,
		Mode:        "PESSIMISTIC",
		Isolation:   "SERIALIZABLE",
		NodeID:      1,
		Caches:      caches,
		Keys:        len(caches),
		CompletedTS: time.Now().UnixMilli(),
	}
}

func TestLogAssignsMonotonicSequences(t *testing.T) {
	l := NewLog(16)

	s1, err := l.Append(record(1, "", OutcomeCommitted))
	require.NoError(t, err)
	s2, err := l.Append(record(2, "", OutcomeRolledBack))
	require.NoError(t, err)
	require.Greater(t, s2, s1)

	recs, err := l.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, s1, recs[0].SeqNum)
}

func TestLogReadFromCursor(t *testing.T) {
	l := NewLog(16)
	for i := uint64(1); i <= 5; i++ {
		_, err := l.Append(record(i, "", OutcomeCommitted))
		require.NoError(t, err)
	}

	recs, err := l.ReadFrom(3, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.EqualValues(t, 4, recs[0].TxnID)
}

func TestLogDropsOldestWhenFull(t *testing.T) {
	l := NewLog(3)
	for i := uint64(1); i <= 5; i++ {
		_, err := l.Append(record(i, "", OutcomeCommitted))
		require.NoError(t, err)
	}

	require.Equal(t, 3, l.Len())
	recs, err := l.ReadFrom(0, 10)
	require.NoError(t, err)
	require.EqualValues(t, 3, recs[0].TxnID)

	// A new sink starts at the oldest retained record, not at zero.
	require.EqualValues(t, 2, l.GetCursor("late-sink"))
}

func TestLogCursorNeverMovesBackwards(t *testing.T) {
	l := NewLog(16)
	l.AdvanceCursor("s", 5)
	l.AdvanceCursor("s", 3)
	require.EqualValues(t, 5, l.GetCursor("s"))
}

func TestGlobFilterLabels(t *testing.T) {
	f, err := NewGlobFilter([]string{"batch-*"}, nil)
	require.NoError(t, err)

	require.True(t, f.Match(record(1, "batch-nightly", OutcomeCommitted, "c")))
	require.False(t, f.Match(record(2, "interactive", OutcomeCommitted, "c")))
}

func TestGlobFilterCaches(t *testing.T) {
	f, err := NewGlobFilter(nil, []string{"accounts"})
	require.NoError(t, err)

	require.True(t, f.Match(record(1, "", OutcomeCommitted, "accounts", "audit")))
	require.False(t, f.Match(record(2, "", OutcomeCommitted, "sessions")))
}

func TestGlobFilterRejectsBadPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[bad"}, nil)
	require.Error(t, err)
}

func TestWorkerDeliversRecords(t *testing.T) {
	l := NewLog(16)
	snk := &captureSink{}

	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Log:          l,
		Sink:         snk,
		TopicPrefix:  "tessera",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = l.Append(record(42, "testLabel", OutcomeCommitted, "accounts"))
	require.NoError(t, err)
	_, err = l.Append(record(43, "testLabel", OutcomeRolledBack, "accounts"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(snk.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := snk.snapshot()
	require.Equal(t, "tessera.txn.committed", msgs[0].topic)
	require.Equal(t, "42", msgs[0].key)
	require.Equal(t, "tessera.txn.rolled_back", msgs[1].topic)

	var decoded TxnRecord
	require.NoError(t, json.Unmarshal(msgs[0].value, &decoded))
	require.EqualValues(t, 42, decoded.TxnID)
	require.Equal(t, OutcomeCommitted, decoded.Outcome)
}

func TestWorkerRetriesUntilSinkRecovers(t *testing.T) {
	l := NewLog(16)
	snk := &captureSink{failures: 2}

	w, err := NewWorker(WorkerConfig{
		Name:         "flaky",
		Log:          l,
		Sink:         snk,
		PollInterval: 10 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = l.Append(record(7, "", OutcomeCommitted, "c"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(snk.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, l.GetCursor("flaky"))
}

func TestWorkerSkipsFilteredRecords(t *testing.T) {
	l := NewLog(16)
	snk := &captureSink{}
	filter, err := NewGlobFilter([]string{"audit-*"}, nil)
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{
		Name:         "filtered",
		Log:          l,
		Sink:         snk,
		Filter:       filter,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = l.Append(record(1, "other", OutcomeCommitted, "c"))
	require.NoError(t, err)
	_, err = l.Append(record(2, "audit-a", OutcomeCommitted, "c"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(snk.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "2", snk.snapshot()[0].key)

	// The filtered record still advanced the cursor.
	require.EqualValues(t, 2, l.GetCursor("filtered"))
}
