package events

import (
	"time"

	"github.com/tesseradb/tessera/encoding"
)

// minRemoteRemaining is the floor applied when re-anchoring a remote
// event's timeout. Delivery delay and clock skew must never make the
// timeout non-positive on the receiving node.
const minRemoteRemaining = time.Millisecond

// eventFrame is the broadcast wire form of an Event. The timeout crosses
// the wire as a duration in milliseconds, never as an absolute deadline,
// so receivers re-anchor it to their own clock.
type eventFrame struct {
	Kind        uint32 `msgpack:"k"`
	TxnID       uint64 `msgpack:"t"`
	Label       string `msgpack:"l"`
	State       string `msgpack:"s"`
	Mode        string `msgpack:"m"`
	Isolation   string `msgpack:"i"`
	NodeID      uint64 `msgpack:"n"`
	RemainingMS int64  `msgpack:"r"`
}

func encodeEvent(ev Event) ([]byte, error) {
	remaining := ev.Remaining.Milliseconds()
	if remaining < 1 {
		remaining = 1
	}
	return encoding.Marshal(eventFrame{
		Kind:        uint32(ev.Kind),
		TxnID:       ev.TxnID,
		Label:       ev.Label,
		State:       ev.State,
		Mode:        ev.Mode,
		Isolation:   ev.Isolation,
		NodeID:      ev.NodeID,
		RemainingMS: remaining,
	})
}

func decodeEvent(payload []byte) (Event, error) {
	var frame eventFrame
	if err := encoding.Unmarshal(payload, &frame); err != nil {
		return Event{}, err
	}

	remaining := time.Duration(frame.RemainingMS) * time.Millisecond
	if remaining < minRemoteRemaining {
		remaining = minRemoteRemaining
	}

	return Event{
		Kind:      Kind(frame.Kind),
		TxnID:     frame.TxnID,
		Label:     frame.Label,
		State:     frame.State,
		Mode:      frame.Mode,
		Isolation: frame.Isolation,
		NodeID:    frame.NodeID,
		Remaining: remaining,
	}, nil
}
