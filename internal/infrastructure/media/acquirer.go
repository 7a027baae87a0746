package media

import (
	"context"
	"sync"

	"charstream/internal/core/ports"

	"go.uber.org/zap"
)

// Acquirer wraps capture acquisition into a cancellable, restartable
// resource. It owns the tracks it opens: Release is the only place they
// are stopped, and stopping is idempotent.
type Acquirer struct {
	source Source
	logger *zap.SugaredLogger

	mu    sync.Mutex
	grant *ports.MediaGrant
}

var _ ports.MediaAcquirer = (*Acquirer)(nil)

// NewAcquirer creates an acquirer on top of a capture source.
func NewAcquirer(source Source, log *zap.Logger) *Acquirer {
	return &Acquirer{
		source: source,
		logger: log.Sugar(),
	}
}

// Acquire opens capture devices. A second Acquire while a grant is held
// returns the existing grant; request coalescing beyond that is the
// caller's job.
func (a *Acquirer) Acquire(ctx context.Context, c ports.MediaConstraints) (*ports.MediaGrant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grant != nil {
		return a.grant, nil
	}

	tracks, err := a.source.Open(ctx, c)
	if err != nil {
		a.logger.Warnw("media acquisition failed", "error", err)
		return nil, err
	}

	a.grant = &ports.MediaGrant{
		Tracks:      tracks,
		Constraints: c,
		Granted:     true,
	}
	a.logger.Infow("local media acquired", "tracks", len(tracks), "video", c.Video, "audio", c.Audio)
	return a.grant, nil
}

// Release stops all tracks of the current grant. Safe to call with no
// grant held or repeatedly.
func (a *Acquirer) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *Acquirer) releaseLocked() {
	if a.grant == nil {
		return
	}
	for _, track := range a.grant.Tracks {
		if err := track.Close(); err != nil {
			a.logger.Warnw("failed to close capture track", "track_id", track.ID(), "error", err)
		}
	}
	a.grant.Granted = false
	a.grant = nil
	a.logger.Infow("local media released")
}

// Toggle acquires when nothing is held, releases otherwise.
func (a *Acquirer) Toggle(ctx context.Context, c ports.MediaConstraints) (*ports.MediaGrant, bool, error) {
	a.mu.Lock()
	held := a.grant != nil
	a.mu.Unlock()

	if held {
		a.Release()
		return nil, false, nil
	}

	grant, err := a.Acquire(ctx, c)
	if err != nil {
		return nil, false, err
	}
	return grant, true, nil
}

// Current returns the held grant, or nil.
func (a *Acquirer) Current() *ports.MediaGrant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grant
}
