package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/cfg"
	"github.com/tesseradb/tessera/txn"
)

// Registry owns the publish log and one worker per configured sink.
type Registry struct {
	log     *Log
	nodeID  uint64
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry builds the log and a worker for every configured sink.
func NewRegistry(nodeID uint64, config cfg.PublisherConfiguration) (*Registry, error) {
	r := &Registry{
		log:     NewLog(config.LogSize),
		nodeID:  nodeID,
		workers: make([]*Worker, 0, len(config.Sinks)),
	}

	for _, sinkCfg := range config.Sinks {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			r.log.Close()
			return nil, fmt.Errorf("sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(r.workers)).Msg("Publisher registry initialized")
	return r, nil
}

// AddSink creates a worker for one sink configuration.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return err
	}
	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return err
	}
	filter, err := NewGlobFilter(config.FilterLabels, config.FilterCaches)
	if err != nil {
		snk.Close()
		return err
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      DefaultMaxRetries,
	})
	if err != nil {
		snk.Close()
		return err
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}
	return nil
}

// Record appends a finished transaction to the log. Called by the node
// after every terminal transition; workers pick it up asynchronously.
func (r *Registry) Record(t *txn.Transaction, outcome string) {
	caches := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	keys := 0
	for _, w := range t.Writes() {
		keys++
		if _, dup := seen[w.Cache]; !dup {
			seen[w.Cache] = struct{}{}
			caches = append(caches, w.Cache)
		}
	}

	rec := TxnRecord{
		TxnID:       t.ID(),
		Label:       t.Label(),
		Outcome:     outcome,
		Mode:        t.Mode().String(),
		Isolation:   t.Isolation().String(),
		NodeID:      r.nodeID,
		Caches:      caches,
		Keys:        keys,
		CompletedTS: time.Now().UnixMilli(),
	}
	if _, err := r.log.Append(rec); err != nil {
		log.Warn().Err(err).Uint64("txn_id", t.ID()).Msg("Publish log append failed")
	}
}

// Log exposes the registry's log for inspection.
func (r *Registry) Log() *Log {
	return r.log
}

// Start launches every worker.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.CompareAndSwap(false, true) {
		return
	}
	for _, w := range r.workers {
		w.Start()
	}
}

// Stop halts the workers and closes their sinks and the log.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.CompareAndSwap(true, false) {
		return
	}
	for _, w := range r.workers {
		w.Stop()
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("worker", w.config.Name).Msg("Sink close failed")
		}
	}
	r.log.Close()
}
