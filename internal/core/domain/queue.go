package domain

import "fmt"

// CharacterID identifies the AI character a session is requested for.
type CharacterID string

// QueueTicket is the client's view of its place in the admission queue.
// A ticket with UsersAhead == nil means the server no longer knows us:
// the holder must stop polling and return to NOT_QUEUED.
type QueueTicket struct {
	CharacterID      CharacterID `json:"character_id"`
	UsersAhead       *int        `json:"users_ahead"`
	EstimateSeconds  *float64    `json:"estimate_seconds"`
	ExpiresInSeconds *float64    `json:"expires_in_seconds"`
}

// Queued reports whether the server still considers this ticket live.
func (t *QueueTicket) Queued() bool {
	return t != nil && (t.UsersAhead != nil || t.ExpiresInSeconds != nil)
}

// FrontOfLine reports the explicit "zero users ahead but still queued"
// state: the slot grant is imminent and position updates are expected
// to stop being meaningful.
func (t *QueueTicket) FrontOfLine() bool {
	return t.Queued() && t.UsersAhead != nil && *t.UsersAhead == 0
}

// QueueState is the admission state machine.
type QueueState int

const (
	QueueStateNotQueued QueueState = iota
	QueueStateQueued
	QueueStateGranted
)

func (s QueueState) String() string {
	switch s {
	case QueueStateNotQueued:
		return "not_queued"
	case QueueStateQueued:
		return "queued"
	case QueueStateGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// queueTransitions is the allowed-transition table. GRANTED is terminal
// for a given admission attempt; a new Join starts from NOT_QUEUED.
var queueTransitions = map[QueueState][]QueueState{
	QueueStateNotQueued: {QueueStateQueued, QueueStateGranted},
	QueueStateQueued:    {QueueStateGranted, QueueStateNotQueued},
	QueueStateGranted:   {QueueStateNotQueued},
}

// CanTransition reports whether moving from s to next is legal.
func (s QueueState) CanTransition(next QueueState) bool {
	for _, allowed := range queueTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, otherwise an error
// carrying both states.
func (s QueueState) Transition(next QueueState) (QueueState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal queue transition: %s -> %s", s, next)
	}
	return next, nil
}
