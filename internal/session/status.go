package session

import (
	"github.com/kasipos/kasipos/internal/reconcile"
)

// Role of a terminal in one sync session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// State of the coordinator. The two role tracks share one enum; a given
// session only ever visits the states of its own track.
type State string

const (
	StateIdle State = "idle"

	// Initiator track
	StateGenerating        State = "generating"
	StateShowingOffer      State = "showing_offer"
	StateScanningForAnswer State = "scanning_for_answer"

	// Responder track
	StateScanningForOffer State = "scanning_for_offer"
	StateGotOffer         State = "got_offer"
	StateShowingAnswer    State = "showing_answer"

	// Shared tail
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateFailed     State = "failed"
)

// Status is the coordinator's externally visible snapshot. The rest of the
// application observes sync progress exclusively through this value, pushed
// to subscribers on every transition - no ambient shared state.
type Status struct {
	State     State  `json:"state"`
	Role      Role   `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Code is the current renderable handshake blob (offer or answer),
	// empty outside the showing states.
	Code string `json:"code,omitempty"`

	// CameraError is set when scanning fell back to manual paste.
	CameraError string `json:"camera_error,omitempty"`

	// Report is the merge outcome, set once Live.
	Report *reconcile.Report `json:"report,omitempty"`

	// Err is the user-facing failure message, set in StateFailed. Always
	// actionable: rescan, re-paste, retry - never a stack trace.
	Err string `json:"error,omitempty"`
}
