package cluster

import (
	"context"
	"errors"
	"fmt"
)

// Well-known transport subjects.
const (
	// SubjectPrepare carries phase-1 prepare requests to participants.
	SubjectPrepare = "txn.prepare"
	// SubjectDecision carries phase-2 commit/rollback decisions.
	SubjectDecision = "txn.decision"
)

// ErrNodeUnreachable is returned by Request when the target cannot be
// reached or does not answer in time. The coordinator maps it onto the
// phase-appropriate protocol error.
var ErrNodeUnreachable = errors.New("node unreachable")

// Handler answers a unicast request. The returned bytes become the reply
// payload; a returned error is propagated to the caller as a failed request.
type Handler func(payload []byte) ([]byte, error)

// Unsubscribe removes a broadcast subscription.
type Unsubscribe func()

// Transport is the messaging layer the transaction subsystem runs on:
// reliable request/reply unicast for the two-phase rounds, fire-and-forget
// broadcast for cluster event fan-out.
type Transport interface {
	// Request sends payload to nodeID's handler for subject and waits for
	// the reply, bounded by ctx.
	Request(ctx context.Context, nodeID uint64, subject string, payload []byte) ([]byte, error)

	// Publish broadcasts payload to every subscriber of subject on every
	// node. Fire and forget: delivery failures never surface to the caller.
	Publish(subject string, payload []byte) error

	// Handle installs the unicast handler for subject on this node.
	// A subject has at most one handler; installing again replaces it.
	Handle(subject string, h Handler)

	// Subscribe registers a broadcast consumer for subject.
	Subscribe(subject string, fn func(payload []byte)) (Unsubscribe, error)

	// Close tears down the transport.
	Close() error
}

// UnreachableError wraps a transport failure with the node it concerned.
type UnreachableError struct {
	NodeID uint64
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("node %d unreachable: %v", e.NodeID, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return ErrNodeUnreachable
}
