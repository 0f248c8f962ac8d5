// Package peer wraps a negotiated point-to-point data channel between two
// terminals on the same local network. No server mediates the handshake:
// every signal needed to establish the channel is exchanged out-of-band
// through the signal package (QR scan or pasted text).
package peer

import (
	"encoding/json"
	"errors"
)

// Link lifecycle states.
type LinkState int

const (
	StateCreated LinkState = iota
	StateSignalGenerated
	StateSignalConsumed
	StateConnected
	StateDataFlowing
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSignalGenerated:
		return "signal_generated"
	case StateSignalConsumed:
		return "signal_consumed"
	case StateConnected:
		return "connected"
	case StateDataFlowing:
		return "data_flowing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrLinkClosed is returned for operations on a closed link.
	ErrLinkClosed = errors.New("peer: link closed")

	// ErrBadSignal is returned when a consumed signal cannot establish the
	// connection (malformed, wrong token, unreachable peer).
	ErrBadSignal = errors.New("peer: invalid remote signal")
)

// Link is the negotiated data channel contract. Callbacks must be registered
// before Start/ConsumeSignal; each fires from the link's own goroutines.
type Link interface {
	// Start begins local negotiation. The initiator side emits its signal
	// data through the OnSignal callback once ready.
	Start() error

	// OnSignal registers the callback receiving local signal payloads that
	// must be carried to the remote terminal.
	OnSignal(func(signal json.RawMessage))

	// ConsumeSignal feeds the remote terminal's signal data into the link.
	ConsumeSignal(signal json.RawMessage) error

	// OnConnect fires exactly once when the channel is established.
	OnConnect(func())

	// Send transmits one payload after connect.
	Send(data []byte) error

	// OnData registers the inbound payload callback.
	OnData(func(data []byte))

	// OnError registers the failure callback.
	OnError(func(err error))

	// State returns the current lifecycle state.
	State() LinkState

	// Close tears the channel down. Idempotent.
	Close() error
}
