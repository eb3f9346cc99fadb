package publisher

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/telemetry"
)

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRetryInitial = 100 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
	DefaultRetryMult    = 2.0
	DefaultMaxRetries   = 100
)

// WorkerConfig configures one sink worker.
type WorkerConfig struct {
	Name            string
	Log             *Log
	Sink            Sink
	Transformer     Transformer
	Filter          Filter
	TopicPrefix     string
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker tails the log and delivers matching records to its sink with
// exponential-backoff retry. Delivery is at-least-once: the cursor only
// advances after a successful publish.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates the config and positions the worker at its cursor.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		config.Transformer = JSONTransformer{}
	}
	if config.Filter == nil {
		config.Filter = matchAll{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMult
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		cursor: config.Log.GetCursor(config.Name),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

type matchAll struct{}

func (matchAll) Match(TxnRecord) bool { return true }

// Start launches the poll loop.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting publisher worker")
	go w.pollLoop()
}

// Stop shuts the worker down and waits for the loop to exit.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
	log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		records, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("worker", w.config.Name).Msg("Publish log read failed")
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}
		if len(records) == 0 {
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}

		for _, rec := range records {
			if err := w.processRecord(rec); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", rec.SeqNum).
					Msg("Record delivery failed permanently")
				return
			}
			w.cursor = rec.SeqNum
		}
	}
}

func (w *Worker) processRecord(rec TxnRecord) error {
	if !w.config.Filter.Match(rec) {
		w.config.Log.AdvanceCursor(w.config.Name, rec.SeqNum)
		return nil
	}

	data, err := w.config.Transformer.Transform(rec)
	if err != nil {
		return fmt.Errorf("transform seq %d: %w", rec.SeqNum, err)
	}

	topic := w.buildTopic(rec)
	key := strconv.FormatUint(rec.TxnID, 10)
	if err := w.publishWithRetry(topic, key, data); err != nil {
		telemetry.PublisherPublishedTotal.With(w.config.Name, "error").Inc()
		return err
	}
	telemetry.PublisherPublishedTotal.With(w.config.Name, "ok").Inc()

	w.config.Log.AdvanceCursor(w.config.Name, rec.SeqNum)
	return nil
}

func (w *Worker) buildTopic(rec TxnRecord) string {
	suffix := "rolled_back"
	if rec.Outcome == OutcomeCommitted {
		suffix = "committed"
	}
	if w.config.TopicPrefix == "" {
		return "txn." + suffix
	}
	return w.config.TopicPrefix + ".txn." + suffix
}

func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d retries for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Publish failed, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits d, returning false if the worker was stopped meanwhile.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
