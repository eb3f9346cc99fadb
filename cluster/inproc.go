package cluster

import (
	"context"
	"fmt"
	"sync"
)

// InProcNetwork wires multiple InProcTransport instances together inside a
// single process. It backs single-binary deployments and multi-node tests;
// the semantics mirror NatsTransport, including unreachable-node failures
// for disconnected members.
type InProcNetwork struct {
	mu    sync.RWMutex
	nodes map[uint64]*InProcTransport
	down  map[uint64]bool
}

// NewInProcNetwork creates an empty in-process network.
func NewInProcNetwork() *InProcNetwork {
	return &InProcNetwork{
		nodes: make(map[uint64]*InProcTransport),
		down:  make(map[uint64]bool),
	}
}

// Join creates a transport for the given node and attaches it.
func (n *InProcNetwork) Join(nodeID uint64) *InProcTransport {
	t := &InProcTransport{
		nodeID:   nodeID,
		network:  n,
		handlers: make(map[string]Handler),
		subs:     make(map[string][]*inprocSub),
	}

	n.mu.Lock()
	n.nodes[nodeID] = t
	n.mu.Unlock()
	return t
}

// Disconnect makes a node unreachable without removing it, simulating a
// lost participant. Reconnect restores it.
func (n *InProcNetwork) Disconnect(nodeID uint64) {
	n.mu.Lock()
	n.down[nodeID] = true
	n.mu.Unlock()
}

// Reconnect restores a disconnected node.
func (n *InProcNetwork) Reconnect(nodeID uint64) {
	n.mu.Lock()
	delete(n.down, nodeID)
	n.mu.Unlock()
}

func (n *InProcNetwork) lookup(nodeID uint64) (*InProcTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.down[nodeID] {
		return nil, &UnreachableError{NodeID: nodeID, Err: fmt.Errorf("disconnected")}
	}
	t, ok := n.nodes[nodeID]
	if !ok {
		return nil, &UnreachableError{NodeID: nodeID, Err: fmt.Errorf("unknown node")}
	}
	return t, nil
}

// inprocSub is one broadcast subscription with its own ordered delivery
// queue. A single goroutine drains the queue, so a subscriber observes
// frames from any one publisher in publish order, the same guarantee a
// NATS subscription callback gives.
type inprocSub struct {
	fn func(payload []byte)

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newInprocSub(fn func(payload []byte)) *inprocSub {
	s := &inprocSub{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *inprocSub) enqueue(payload []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, payload)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *inprocSub) run() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, payload := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(payload)
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *inprocSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// InProcTransport is one node's endpoint on an InProcNetwork.
type InProcTransport struct {
	nodeID  uint64
	network *InProcNetwork

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[string][]*inprocSub
}

// NodeID returns the node this transport belongs to.
func (t *InProcTransport) NodeID() uint64 {
	return t.nodeID
}

func (t *InProcTransport) Request(ctx context.Context, nodeID uint64, subject string, payload []byte) ([]byte, error) {
	// The sender being partitioned cuts both directions.
	t.network.mu.RLock()
	selfDown := t.network.down[t.nodeID]
	t.network.mu.RUnlock()
	if selfDown {
		return nil, &UnreachableError{NodeID: nodeID, Err: fmt.Errorf("local node disconnected")}
	}

	target, err := t.network.lookup(nodeID)
	if err != nil {
		return nil, err
	}

	target.mu.RLock()
	h, ok := target.handlers[subject]
	target.mu.RUnlock()
	if !ok {
		return nil, &UnreachableError{NodeID: nodeID, Err: fmt.Errorf("no handler for %q", subject)}
	}

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h(payload)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, &UnreachableError{NodeID: nodeID, Err: ctx.Err()}
	}
}

func (t *InProcTransport) Publish(subject string, payload []byte) error {
	t.network.mu.RLock()
	if t.network.down[t.nodeID] {
		t.network.mu.RUnlock()
		return nil // fire and forget: a partitioned publisher just loses the event
	}
	targets := make([]*InProcTransport, 0, len(t.network.nodes))
	for id, node := range t.network.nodes {
		if !t.network.down[id] {
			targets = append(targets, node)
		}
	}
	t.network.mu.RUnlock()

	for _, target := range targets {
		target.mu.RLock()
		subs := append([]*inprocSub(nil), target.subs[subject]...)
		target.mu.RUnlock()

		for _, sub := range subs {
			// Async like a real messaging layer: publishing never blocks on
			// slow consumers, but each subscriber drains its queue in order.
			sub.enqueue(payload)
		}
	}
	return nil
}

func (t *InProcTransport) Handle(subject string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[subject] = h
}

func (t *InProcTransport) Subscribe(subject string, fn func(payload []byte)) (Unsubscribe, error) {
	sub := newInprocSub(fn)

	t.mu.Lock()
	t.subs[subject] = append(t.subs[subject], sub)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		sub.stop()
		list := t.subs[subject]
		for i, s := range list {
			if s == sub {
				t.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}, nil
}

func (t *InProcTransport) Close() error {
	t.network.mu.Lock()
	delete(t.network.nodes, t.nodeID)
	t.network.mu.Unlock()

	t.mu.Lock()
	for _, subs := range t.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	t.subs = make(map[string][]*inprocSub)
	t.mu.Unlock()
	return nil
}
