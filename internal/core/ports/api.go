package ports

import (
	"context"

	"charstream/internal/core/domain"
)

// QueueAPI is the admission queue REST surface. Availability returns
// (nil, nil) when no compute slot has been assigned yet.
type QueueAPI interface {
	Join(ctx context.Context, characterID domain.CharacterID) (*domain.QueueTicket, error)
	Status(ctx context.Context) (*domain.QueueTicket, error)
	Heartbeat(ctx context.Context) error
	Leave(ctx context.Context) error
	Availability(ctx context.Context) (*domain.StreamHandle, error)
}

// ComputeAPI starts and stops the server-side compute session behind a
// granted slot.
type ComputeAPI interface {
	StartSession(ctx context.Context, characterID domain.CharacterID) (*domain.StreamHandle, error)
	StopSession(ctx context.Context, sessionID string) error
}
