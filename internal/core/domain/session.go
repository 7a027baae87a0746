package domain

import "time"

// StreamHandle represents a granted compute slot. Immutable once issued
// by the server.
type StreamHandle struct {
	StreamID  string    `json:"stream_id"`
	WhipURL   string    `json:"whip_url"`
	WhepURL   string    `json:"whep_url"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
}

// Valid reports whether the handle carries enough to negotiate with.
func (h *StreamHandle) Valid() bool {
	return h != nil && h.StreamID != "" && (h.WhipURL != "" || h.WhepURL != "")
}

// PeerSessionState tracks one WHIP or WHEP peer connection. Transitions
// are monotonic except connected -> failed (full restart only) and
// any -> closed (terminal).
type PeerSessionState int

const (
	PeerStateIdle PeerSessionState = iota
	PeerStateNegotiating
	PeerStateConnected
	PeerStateFailed
	PeerStateClosed
)

func (s PeerSessionState) String() string {
	switch s {
	case PeerStateIdle:
		return "idle"
	case PeerStateNegotiating:
		return "negotiating"
	case PeerStateConnected:
		return "connected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStatus is the orchestrator's single observable status surface.
type SessionStatus int

const (
	SessionIdle SessionStatus = iota
	SessionConnecting
	SessionConnected
	SessionError
)

func (s SessionStatus) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}
