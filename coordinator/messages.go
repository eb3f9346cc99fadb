// Package coordinator implements the two-phase protocol between the node
// that owns a transaction and the participants that own its keys: the
// coordinator side fans out prepare and decision rounds, the participant
// side votes, holds prepared intents and applies decisions idempotently.
package coordinator

import (
	"github.com/tesseradb/tessera/encoding"
	"github.com/tesseradb/tessera/hlc"
)

// writeFrame is one write intent as it crosses the wire.
type writeFrame struct {
	Cache       string `msgpack:"c"`
	Key         string `msgpack:"k"`
	Value       []byte `msgpack:"v"`
	ReadVersion uint64 `msgpack:"rv"`
}

// prepareRequest asks a participant to vote on a transaction. It carries
// only the writes the participant owns. RemainingMS is the transaction
// timeout re-expressed as a duration so the participant can bound its own
// lock waits without trusting the coordinator's clock. TS carries the
// sender's hybrid logical clock; both sides fold the peer's timestamp in,
// keeping transaction ids ordered across the cluster despite wall skew.
type prepareRequest struct {
	TxnID       uint64        `msgpack:"t"`
	Coordinator uint64        `msgpack:"n"`
	Label       string        `msgpack:"l"`
	Optimistic  bool          `msgpack:"o"`
	RemainingMS int64         `msgpack:"r"`
	Writes      []writeFrame  `msgpack:"w"`
	TS          hlc.Timestamp `msgpack:"h"`
}

// prepareReply is a participant's phase-1 vote.
type prepareReply struct {
	Vote   bool          `msgpack:"v"`
	Reason string        `msgpack:"e"`
	TS     hlc.Timestamp `msgpack:"h"`
}

// decisionRequest tells a participant the transaction's outcome.
type decisionRequest struct {
	TxnID       uint64        `msgpack:"t"`
	Coordinator uint64        `msgpack:"n"`
	Commit      bool          `msgpack:"c"`
	TS          hlc.Timestamp `msgpack:"h"`
}

// decisionReply acknowledges a decision. Applied is false only when a
// commit decision could not be applied, which the coordinator surfaces as a
// heuristic failure.
type decisionReply struct {
	Applied bool          `msgpack:"a"`
	Reason  string        `msgpack:"e"`
	TS      hlc.Timestamp `msgpack:"h"`
}

func encodePrepare(req prepareRequest) ([]byte, error) { return encoding.Pack(req) }

func decodePrepare(b []byte) (req prepareRequest, err error) {
	err = encoding.Unpack(b, &req)
	return req, err
}

func encodePrepareReply(r prepareReply) ([]byte, error) { return encoding.Pack(r) }

func decodePrepareReply(b []byte) (r prepareReply, err error) {
	err = encoding.Unpack(b, &r)
	return r, err
}

func encodeDecision(req decisionRequest) ([]byte, error) { return encoding.Pack(req) }

func decodeDecision(b []byte) (req decisionRequest, err error) {
	err = encoding.Unpack(b, &req)
	return req, err
}

func encodeDecisionReply(r decisionReply) ([]byte, error) { return encoding.Pack(r) }

func decodeDecisionReply(b []byte) (r decisionReply, err error) {
	err = encoding.Unpack(b, &r)
	return r, err
}
