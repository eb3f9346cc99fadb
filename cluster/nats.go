package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NatsTransport implements Transport over a NATS cluster. Unicast uses
// request/reply on per-node subjects; broadcast uses plain pub/sub.
type NatsTransport struct {
	nodeID uint64
	nc     *nats.Conn

	mu       sync.Mutex
	handlers map[string]*nats.Subscription
	subs     []*nats.Subscription
}

// NewNatsTransport connects to NATS and binds this node's unicast subjects.
func NewNatsTransport(nodeID uint64, url string) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Name(fmt.Sprintf("tessera-node-%d", nodeID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Uint64("node_id", nodeID).Str("url", url).Msg("Connected to NATS")

	return &NatsTransport{
		nodeID:   nodeID,
		nc:       nc,
		handlers: make(map[string]*nats.Subscription),
	}, nil
}

// nodeSubject builds the unicast subject for a node/handler pair.
func nodeSubject(nodeID uint64, subject string) string {
	return fmt.Sprintf("tessera.node.%d.%s", nodeID, sanitizeSubject(subject))
}

func broadcastSubject(subject string) string {
	return "tessera.bcast." + sanitizeSubject(subject)
}

func sanitizeSubject(subject string) string {
	return strings.ReplaceAll(subject, " ", "_")
}

func (t *NatsTransport) Request(ctx context.Context, nodeID uint64, subject string, payload []byte) ([]byte, error) {
	msg, err := t.nc.RequestWithContext(ctx, nodeSubject(nodeID, subject), payload)
	if err != nil {
		return nil, &UnreachableError{NodeID: nodeID, Err: err}
	}

	// Handler errors travel back as an error header.
	if errMsg := msg.Header.Get("Tessera-Error"); errMsg != "" {
		return nil, fmt.Errorf("remote handler: %s", errMsg)
	}

	return msg.Data, nil
}

func (t *NatsTransport) Publish(subject string, payload []byte) error {
	return t.nc.Publish(broadcastSubject(subject), payload)
}

func (t *NatsTransport) Handle(subject string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.handlers[subject]; ok {
		_ = old.Unsubscribe()
	}

	sub, err := t.nc.Subscribe(nodeSubject(t.nodeID, subject), func(msg *nats.Msg) {
		reply, err := h(msg.Data)
		out := nats.NewMsg(msg.Reply)
		if err != nil {
			out.Header.Set("Tessera-Error", err.Error())
		} else {
			out.Data = reply
		}
		if err := msg.RespondMsg(out); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Failed to respond to request")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to install handler")
		return
	}

	t.handlers[subject] = sub
}

func (t *NatsTransport) Subscribe(subject string, fn func(payload []byte)) (Unsubscribe, error) {
	sub, err := t.nc.Subscribe(broadcastSubject(subject), func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	return func() { _ = sub.Unsubscribe() }, nil
}

func (t *NatsTransport) Close() error {
	t.mu.Lock()
	for _, sub := range t.handlers {
		_ = sub.Unsubscribe()
	}
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.mu.Unlock()

	// Flush so queued event publishes are not lost on shutdown.
	if err := t.nc.FlushTimeout(2 * time.Second); err != nil {
		log.Warn().Err(err).Msg("NATS flush on close failed")
	}
	t.nc.Close()
	return nil
}
