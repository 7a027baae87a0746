package ports

import (
	"context"

	"charstream/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PublishSession negotiates and maintains the outbound WHIP peer
// connection. Start resolves its media source with priority: supplied
// grant, registered preview grant, freshly acquired local media.
// A degraded connection does not self-heal; the caller must Stop and
// Start again.
type PublishSession interface {
	Start(ctx context.Context, url string, source *MediaGrant) error
	// Stop releases the server-side resource (best effort), stops only
	// tracks the session itself acquired, and closes the peer
	// connection. Idempotent, safe mid-negotiation.
	Stop(ctx context.Context)
	RegisterPreview(grant *MediaGrant)
	State() domain.PeerSessionState
	OnStateChange(fn func(domain.PeerSessionState))
}

// TrackSink receives the inbound media container of a playback session.
type TrackSink interface {
	// AddTrack attaches one remote track. Called at most once per track
	// identity.
	AddTrack(track *webrtc.TrackRemote) error
	// Play is invoked once the connection reaches connected. A failure
	// is logged by the caller, never fatal.
	Play() error
	Stop()
}

// PlaybackSession negotiates and maintains the inbound WHEP peer
// connection.
type PlaybackSession interface {
	Start(ctx context.Context, url string) error
	Stop(ctx context.Context)
	BindSink(sink TrackSink)
	State() domain.PeerSessionState
	OnStateChange(fn func(domain.PeerSessionState))
}
