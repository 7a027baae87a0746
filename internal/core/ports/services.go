package ports

import (
	"context"

	"charstream/internal/core/domain"
)

// AdmissionService holds the client's place in the server-side queue.
// Once OnGranted fires no further polling runs.
type AdmissionService interface {
	Join(ctx context.Context, characterID domain.CharacterID) error
	Leave(ctx context.Context) error
	State() domain.QueueState
	Ticket() *domain.QueueTicket
	OnGranted(fn func(*domain.StreamHandle))
	OnStateChange(fn func(domain.QueueState))
	OnError(fn func(error))
}

// SessionService sequences admission, local media, publish and playback
// and exposes the single status/error surface the UI observes.
type SessionService interface {
	Start(ctx context.Context, characterID domain.CharacterID) error
	// Stop tears down both peer sessions and the media grant regardless
	// of partial progress. Never returns an error; teardown failures
	// are logged only.
	Stop(ctx context.Context)
	Status() domain.SessionStatus
	Err() error
	OnStatusChange(fn func(domain.SessionStatus))
}
