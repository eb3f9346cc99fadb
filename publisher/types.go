// Package publisher streams finished transactions to external systems.
// Terminal outcomes are appended to an in-memory sequenced log; one worker
// per configured sink tails the log through a persistent-per-process cursor
// and delivers records with retry, so a slow sink never touches the commit
// path.
package publisher

import (
	"fmt"
	"sync"

	"github.com/tesseradb/tessera/cfg"
)

// Outcome values carried by TxnRecord.
const (
	OutcomeCommitted  = "COMMITTED"
	OutcomeRolledBack = "ROLLED_BACK"
)

// TxnRecord is one finished transaction as published to sinks.
type TxnRecord struct {
	SeqNum      uint64   `msgpack:"seq" json:"seq"`
	TxnID       uint64   `msgpack:"txn" json:"txn_id"`
	Label       string   `msgpack:"lbl" json:"label"`
	Outcome     string   `msgpack:"out" json:"outcome"`
	Mode        string   `msgpack:"mode" json:"mode"`
	Isolation   string   `msgpack:"iso" json:"isolation"`
	NodeID      uint64   `msgpack:"node" json:"node_id"`
	Caches      []string `msgpack:"caches" json:"caches"`
	Keys        int      `msgpack:"keys" json:"keys"`
	CompletedTS int64    `msgpack:"ts" json:"completed_ts"` // unix ms
}

// Sink is a destination for transaction records.
type Sink interface {
	// Publish sends one record payload. key routes partitioning.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Transformer converts records to a sink wire format.
type Transformer interface {
	Transform(rec TxnRecord) ([]byte, error)
}

// Filter decides whether a record is published to a sink.
type Filter interface {
	Match(rec TxnRecord) bool
}

// SinkFactory builds a sink from its configuration block.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]SinkFactory)
)

// RegisterSink installs a factory for a sink type. Called from sink
// package init functions.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := factories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", config.Type)
	}
	return factory(config)
}
