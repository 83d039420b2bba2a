// Package peer implements the delta-sync protocol between replicas:
// length-prefixed frames over TCP, a state-vector handshake, steady-state
// delta streaming with acknowledgements, and full-document recovery for
// peers that fell behind a compaction horizon.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/driftlab/drift/internal/engine"
)

// be sure that all messages implement Msg at compile time
var (
	// handshake

	_ Msg = &Handshake{}    // <- vectors of the dialing side
	_ Msg = &HandshakeAck{} // -> vectors of the accepting side
	_ Msg = &Announce{}     // <> namespaces present after handshake

	// sync

	_ Msg = &DeltaBatch{}     // <> ops for one document
	_ Msg = &Ack{}            // <> receipt up to a vector
	_ Msg = &FullDocRequest{} // <- ask for full state (causal gap)
	_ Msg = &FullDoc{}        // -> full state reply

	// liveness and faults

	_ Msg = &Heartbeat{} // <> keepalive
	_ Msg = &ErrorMsg{}  // -> reason before a disconnect
)

// A Msg is one protocol message. The wire form is the MsgType byte
// followed by the JSON body.
type Msg interface {
	MsgType() MsgType
}

// A Handshake opens a connection: the dialer identifies itself and
// offers its per-document state vectors so both sides can diff.
type Handshake struct {
	NodeID  string                        `json:"node_id"`
	Vectors map[string]engine.StateVector `json:"vectors"`
}

// MsgType implements Msg.
func (*Handshake) MsgType() MsgType { return HandshakeType }

// A HandshakeAck accepts a handshake and returns the acceptor's vectors.
type HandshakeAck struct {
	NodeID  string                        `json:"node_id"`
	Vectors map[string]engine.StateVector `json:"vectors"`
}

// MsgType implements Msg.
func (*HandshakeAck) MsgType() MsgType { return HandshakeAckType }

// An Announce advertises the namespaces a node carries. Sent once after
// the handshake; purely informational presence data.
type Announce struct {
	Namespaces []string `json:"namespaces"`
}

// MsgType implements Msg.
func (*Announce) MsgType() MsgType { return AnnounceType }

// A DeltaBatch carries ops for one document. The receiver applies it
// with apply-remote semantics, so duplicates and reordering across
// batches are harmless.
type DeltaBatch struct {
	Delta engine.Delta `json:"delta"`
}

// MsgType implements Msg.
func (*DeltaBatch) MsgType() MsgType { return DeltaBatchType }

// An Ack confirms application of a document's deltas up to a vector.
// The sender uses it to stop re-offering ops the peer already holds.
type Ack struct {
	Ref  engine.Ref         `json:"ref"`
	UpTo engine.StateVector `json:"up_to"`
}

// MsgType implements Msg.
func (*Ack) MsgType() MsgType { return AckType }

// A FullDocRequest asks for a document's complete state. Sent when a
// delta stream cannot be applied (causal gap: the sender compacted ops
// this side never saw).
type FullDocRequest struct {
	Ref engine.Ref `json:"ref"`
}

// MsgType implements Msg.
func (*FullDocRequest) MsgType() MsgType { return FullDocRequestType }

// A FullDoc is the complete CRDT state of one document, tombstones
// included, with its vector. Merging it is state-based sync.
type FullDoc struct {
	Ref    engine.Ref         `json:"ref"`
	State  []byte             `json:"state"`
	Vector engine.StateVector `json:"vector"`
}

// MsgType implements Msg.
func (*FullDoc) MsgType() MsgType { return FullDocType }

// A Heartbeat keeps an idle connection visibly alive. Any received
// frame refreshes the peer's liveness deadline; the nonce only makes
// heartbeats distinguishable in logs.
type Heartbeat struct {
	Nonce int64 `json:"nonce"`
}

// MsgType implements Msg.
func (*Heartbeat) MsgType() MsgType { return HeartbeatType }

// Error codes carried by ErrorMsg.
const (
	CodeViolation = "protocol_violation"
	CodeInternal  = "internal"
)

// An ErrorMsg tells the peer why this side is about to disconnect.
type ErrorMsg struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// MsgType implements Msg.
func (*ErrorMsg) MsgType() MsgType { return ErrorMsgType }

//
// MsgType / Encode / Decode / String()
//

// A MsgType is the one-byte wire prefix naming a message's concrete type.
type MsgType uint8

// MsgTypes
const (
	HandshakeType    MsgType = 1 + iota // Handshake    1
	HandshakeAckType                    // HandshakeAck 2
	AnnounceType                        // Announce     3

	DeltaBatchType     // DeltaBatch     4
	AckType            // Ack            5
	FullDocRequestType // FullDocRequest 6
	FullDocType        // FullDoc        7

	HeartbeatType // Heartbeat 8
	ErrorMsgType  // ErrorMsg  9
)

// MsgType to string mapping
var msgTypeString = [...]string{
	HandshakeType:    "Handshake",
	HandshakeAckType: "HandshakeAck",
	AnnounceType:     "Announce",

	DeltaBatchType:     "DeltaBatch",
	AckType:            "Ack",
	FullDocRequestType: "FullDocRequest",
	FullDocType:        "FullDoc",

	HeartbeatType: "Heartbeat",
	ErrorMsgType:  "ErrorMsg",
}

// String implements fmt.Stringer.
func (m MsgType) String() string {
	if im := int(m); im > 0 && im < len(msgTypeString) {
		return msgTypeString[im]
	}
	return fmt.Sprintf("MsgType<%d>", m)
}

var forwardRegistry = [...]reflect.Type{
	HandshakeType:    reflect.TypeOf(Handshake{}),
	HandshakeAckType: reflect.TypeOf(HandshakeAck{}),
	AnnounceType:     reflect.TypeOf(Announce{}),

	DeltaBatchType:     reflect.TypeOf(DeltaBatch{}),
	AckType:            reflect.TypeOf(Ack{}),
	FullDocRequestType: reflect.TypeOf(FullDocRequest{}),
	FullDocType:        reflect.TypeOf(FullDoc{}),

	HeartbeatType: reflect.TypeOf(Heartbeat{}),
	ErrorMsgType:  reflect.TypeOf(ErrorMsg{}),
}

// An ErrInvalidMsgType reports a frame whose type byte names no known
// message.
type ErrInvalidMsgType struct {
	msgType MsgType
}

// MsgType returns the offending type byte.
func (e ErrInvalidMsgType) MsgType() MsgType {
	return e.msgType
}

// Error implements the error interface.
func (e ErrInvalidMsgType) Error() string {
	return fmt.Sprint("invalid message type: ", e.msgType.String())
}

// ErrEmptyMessage occurs when decoding an empty slice.
var ErrEmptyMessage = errors.New("empty message")

// Encode serializes a message: the MsgType byte followed by the JSON
// body.
func Encode(msg Msg) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("peer: encode %s: %w", msg.MsgType(), err)
	}
	p := make([]byte, 1, 1+len(body))
	p[0] = byte(msg.MsgType())
	return append(p, body...), nil
}

// Decode parses a MsgType-prefixed message. Returns ErrEmptyMessage,
// ErrInvalidMsgType, or the JSON decoding error.
func Decode(p []byte) (Msg, error) {
	if len(p) < 1 {
		return nil, ErrEmptyMessage
	}
	mt := MsgType(p[0])
	if mt <= 0 || int(mt) >= len(forwardRegistry) {
		return nil, ErrInvalidMsgType{mt}
	}
	val := reflect.New(forwardRegistry[mt])
	if err := json.Unmarshal(p[1:], val.Interface()); err != nil {
		return nil, fmt.Errorf("peer: decode %s: %w", mt, err)
	}
	return val.Interface().(Msg), nil
}
