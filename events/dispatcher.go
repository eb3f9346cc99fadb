package events

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/telemetry"
)

// subscription is one installed listener. The mutex serializes callback
// invocations so a listener that unsubscribes from inside its callback is
// never entered again, even under concurrent dispatch.
type subscription struct {
	id     uint64
	mask   Kind
	fn     Listener
	filter *compiledFilter // nil means no filtering beyond the mask

	mu   sync.Mutex
	dead bool
}

// deliver invokes the callback once if the subscription is still live and
// the event matches. Returns true when the subscription should be removed.
func (s *subscription) deliver(ev Event) (remove bool) {
	if ev.Kind&s.mask == 0 {
		return false
	}
	if s.filter != nil && !s.filter.matches(ev) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.ListenerErrorsTotal.Inc()
			log.Error().
				Interface("panic", r).
				Uint64("txn_id", ev.TxnID).
				Str("kind", ev.Kind.String()).
				Msg("Event listener panicked")
		}
	}()

	if s.fn(ev) == Unsubscribe {
		s.dead = true
		return true
	}
	return false
}

func (s *subscription) kill() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// Registration is a handle to an installed listener.
type Registration struct {
	id    uint64
	scope string
	d     *Dispatcher
	once  sync.Once
}

// Unsubscribe removes the listener. After this returns the callback is not
// invoked again. Safe to call more than once, and from inside the callback.
func (r *Registration) Unsubscribe() {
	r.once.Do(func() {
		r.d.remove(r.id, r.scope)
	})
}

// Dispatcher fans transaction lifecycle events out to listeners.
//
// Local listeners run synchronously on the thread performing the
// transition, in transition order, before the transition call returns.
// Cluster listeners receive events from every node asynchronously: each
// transition is broadcast over the transport and delivered to cluster
// registrations on whichever node they were installed. A listener that
// throws is isolated; a listener that returns Unsubscribe is removed after
// that one delivery.
type Dispatcher struct {
	nodeID  uint64
	tr      cluster.Transport
	subject string

	local  *xsync.MapOf[uint64, *subscription]
	remote *xsync.MapOf[uint64, *subscription]
	nextID atomic.Uint64

	outbound chan Event
	unsub    cluster.Unsubscribe
	stop     chan struct{}
	done     sync.WaitGroup
}

// NewDispatcher builds a dispatcher bound to the transport's broadcast
// plane. subject is the broadcast subject events travel on; buffer bounds
// the outbound queue feeding the broadcast worker.
func NewDispatcher(nodeID uint64, tr cluster.Transport, subject string, buffer int) (*Dispatcher, error) {
	if buffer < 1 {
		buffer = 256
	}
	d := &Dispatcher{
		nodeID:   nodeID,
		tr:       tr,
		subject:  subject,
		local:    xsync.NewMapOf[uint64, *subscription](),
		remote:   xsync.NewMapOf[uint64, *subscription](),
		outbound: make(chan Event, buffer),
		stop:     make(chan struct{}),
	}

	unsub, err := tr.Subscribe(subject, d.onRemoteFrame)
	if err != nil {
		return nil, err
	}
	d.unsub = unsub

	d.done.Add(1)
	go d.broadcastLoop()
	return d, nil
}

// ListenLocal installs a listener for transitions performed on this node.
// Delivery is synchronous with the transition.
func (d *Dispatcher) ListenLocal(mask Kind, fn Listener) *Registration {
	id := d.nextID.Add(1)
	d.local.Store(id, &subscription{id: id, mask: mask, fn: fn})
	telemetry.ListenerRegistrations.With("local").Inc()
	return &Registration{id: id, scope: "local", d: d}
}

// ListenLocalFiltered is ListenLocal restricted to events matching the
// filter's label globs and node set.
func (d *Dispatcher) ListenLocalFiltered(filter ClusterFilter, mask Kind, fn Listener) (*Registration, error) {
	cf, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	id := d.nextID.Add(1)
	d.local.Store(id, &subscription{id: id, mask: mask, fn: fn, filter: cf})
	telemetry.ListenerRegistrations.With("local").Inc()
	return &Registration{id: id, scope: "local", d: d}, nil
}

// ListenCluster installs a listener that observes matching transitions from
// every node in the cluster, including this one. Delivery is asynchronous.
func (d *Dispatcher) ListenCluster(filter ClusterFilter, mask Kind, fn Listener) (*Registration, error) {
	cf, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	id := d.nextID.Add(1)
	d.remote.Store(id, &subscription{id: id, mask: mask, fn: fn, filter: cf})
	telemetry.ListenerRegistrations.With("cluster").Inc()
	return &Registration{id: id, scope: "cluster", d: d}, nil
}

func (d *Dispatcher) remove(id uint64, scope string) {
	reg := d.local
	if scope == "cluster" {
		reg = d.remote
	}
	if sub, ok := reg.LoadAndDelete(id); ok {
		sub.kill()
		telemetry.ListenerRegistrations.With(scope).Dec()
	}
}

// Dispatch delivers one transition event. Local listeners run inline before
// Dispatch returns; the cluster broadcast is queued and never blocks the
// transition.
func (d *Dispatcher) Dispatch(ev Event) {
	telemetry.EventsDispatchedTotal.With(ev.Kind.String(), "local").Inc()

	d.local.Range(func(id uint64, sub *subscription) bool {
		if sub.deliver(ev) {
			d.remove(id, "local")
		}
		return true
	})

	select {
	case d.outbound <- ev:
	case <-d.stop:
	default:
		log.Warn().
			Uint64("txn_id", ev.TxnID).
			Str("kind", ev.Kind.String()).
			Msg("Event broadcast queue full, dropping cluster delivery")
	}
}

// broadcastLoop drains the outbound queue onto the transport, preserving
// per-transaction enqueue order.
func (d *Dispatcher) broadcastLoop() {
	defer d.done.Done()
	for {
		select {
		case ev := <-d.outbound:
			payload, err := encodeEvent(ev)
			if err != nil {
				log.Error().Err(err).Uint64("txn_id", ev.TxnID).Msg("Unable to encode event frame")
				continue
			}
			if err := d.tr.Publish(d.subject, payload); err != nil {
				log.Warn().Err(err).Uint64("txn_id", ev.TxnID).Msg("Event broadcast failed")
			}
		case <-d.stop:
			return
		}
	}
}

// onRemoteFrame handles one broadcast frame arriving from the transport and
// fans it out to this node's cluster registrations.
func (d *Dispatcher) onRemoteFrame(payload []byte) {
	ev, err := decodeEvent(payload)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping undecodable event frame")
		return
	}

	telemetry.EventsDispatchedTotal.With(ev.Kind.String(), "cluster").Inc()
	d.remote.Range(func(id uint64, sub *subscription) bool {
		if sub.deliver(ev) {
			d.remove(id, "cluster")
		}
		return true
	})
}

// Close stops the broadcast worker and detaches from the transport.
// Already-queued events are discarded.
func (d *Dispatcher) Close() {
	select {
	case <-d.stop:
		return
	default:
	}
	close(d.stop)
	if d.unsub != nil {
		d.unsub()
	}
	d.done.Wait()
}
