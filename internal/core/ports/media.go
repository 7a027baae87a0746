package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// LocalTrack is a single capture track: attachable to a peer connection
// and closeable exactly once.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// MediaConstraints mirrors the subset of getUserMedia constraints the
// client cares about.
type MediaConstraints struct {
	Video     bool
	Audio     bool
	Width     int
	Height    int
	FrameRate float32
}

// MediaGrant is a successful acquisition of local capture devices.
// Whoever created the grant (the acquirer) is the only party allowed to
// stop its tracks.
type MediaGrant struct {
	Tracks      []LocalTrack
	Constraints MediaConstraints
	Granted     bool
}

// MediaAcquirer wraps camera/microphone acquisition as a cancellable,
// restartable resource. Acquire must not be called concurrently for
// the same logical consumer; the caller coalesces requests.
type MediaAcquirer interface {
	Acquire(ctx context.Context, c MediaConstraints) (*MediaGrant, error)
	// Release stops all tracks of the current grant. Idempotent.
	Release()
	// Toggle acquires when no grant is held, releases otherwise. The
	// returned bool reports whether a grant is held afterwards.
	Toggle(ctx context.Context, c MediaConstraints) (*MediaGrant, bool, error)
	Current() *MediaGrant
}
