package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errStoppedDuringNegotiation = errors.New("session stopped during negotiation")

// WhipPublishSession owns the outbound peer connection publishing the
// user's camera/microphone to the compute slot, and the server-side
// resource handle that must be DELETEd on stop.
type WhipPublishSession struct {
	cfg         SessionConfig
	http        *resty.Client
	acquirer    ports.MediaAcquirer
	constraints ports.MediaConstraints
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger

	mu               sync.Mutex
	epoch            int
	state            domain.PeerSessionState
	stateFn          func(domain.PeerSessionState)
	pc               *webrtc.PeerConnection
	resourceLocation string
	preview          *ports.MediaGrant
	acquiredLocally  bool
}

var _ ports.PublishSession = (*WhipPublishSession)(nil)

// NewWhipPublishSession creates an idle publish session. The acquirer
// is used only when Start has to fall back to fresh local media.
func NewWhipPublishSession(cfg SessionConfig, acquirer ports.MediaAcquirer, constraints ports.MediaConstraints, metrics ports.MetricsRecorder, log *zap.Logger) *WhipPublishSession {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &WhipPublishSession{
		cfg:         cfg,
		http:        resty.New(),
		acquirer:    acquirer,
		constraints: constraints,
		metrics:     metrics,
		logger:      log.Sugar(),
		state:       domain.PeerStateIdle,
	}
}

// RegisterPreview binds the preview grant consulted when Start is
// called without an explicit source.
func (s *WhipPublishSession) RegisterPreview(grant *ports.MediaGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = grant
}

// State returns the current session state.
func (s *WhipPublishSession) State() domain.PeerSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers the state observer.
func (s *WhipPublishSession) OnStateChange(fn func(domain.PeerSessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFn = fn
}

func (s *WhipPublishSession) setState(epoch int, state domain.PeerSessionState) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.stateFn
	s.mu.Unlock()

	s.metrics.PeerStateChanged("publish", state.String())
	if fn != nil {
		fn(state)
	}
}

// Start negotiates the publish connection. The media source priority is
// explicit grant, registered preview grant, freshly acquired media.
func (s *WhipPublishSession) Start(ctx context.Context, endpoint string, source *ports.MediaGrant) error {
	s.mu.Lock()
	if s.state == domain.PeerStateNegotiating || s.state == domain.PeerStateConnected {
		s.mu.Unlock()
		return fmt.Errorf("publish session already started")
	}
	s.epoch++
	epoch := s.epoch
	s.state = domain.PeerStateNegotiating
	preview := s.preview
	s.mu.Unlock()

	grant, ownGrant, err := s.resolveSource(ctx, source, preview)
	if err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return err
	}

	pc, err := newPeerConnection(s.cfg)
	if err != nil {
		if ownGrant {
			s.acquirer.Release()
		}
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("create peer connection: %w", err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		// Stopped while resolving media; do not adopt the new refs.
		s.mu.Unlock()
		pc.Close()
		if ownGrant {
			s.acquirer.Release()
		}
		return errStoppedDuringNegotiation
	}
	s.pc = pc
	s.acquiredLocally = ownGrant
	s.mu.Unlock()

	for _, track := range grant.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			s.setState(epoch, domain.PeerStateFailed)
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("publish connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.setState(epoch, domain.PeerStateConnected)
		case webrtc.PeerConnectionStateFailed:
			s.setState(epoch, domain.PeerStateFailed)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			s.setState(epoch, domain.PeerStateFailed)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("set local description: %w", err)
	}

	gatherStart := time.Now()
	waitForICEGathering(ctx, pc, s.cfg.GatherTimeout)
	s.metrics.ICEGatherDuration(time.Since(gatherStart).Seconds())

	if s.stale(epoch) {
		return errStoppedDuringNegotiation
	}

	local := pc.LocalDescription()
	if local == nil {
		s.setState(epoch, domain.PeerStateFailed)
		return errStoppedDuringNegotiation
	}

	postStart := time.Now()
	answerSDP, location, err := exchangeSDP(ctx, s.http, endpoint, local.SDP)
	s.metrics.SignalingRoundTrip("publish", time.Since(postStart).Seconds())
	if err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("%w: %v", domain.ErrPublishRejected, err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return errStoppedDuringNegotiation
	}
	s.resourceLocation = location
	s.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("%w: apply answer: %v", domain.ErrPublishRejected, err)
	}

	s.logger.Infow("publish negotiation complete",
		"endpoint", endpoint,
		"resource_location", location,
	)
	return nil
}

func (s *WhipPublishSession) resolveSource(ctx context.Context, explicit, preview *ports.MediaGrant) (grant *ports.MediaGrant, owned bool, err error) {
	if explicit != nil && len(explicit.Tracks) > 0 {
		return explicit, false, nil
	}
	if preview != nil && len(preview.Tracks) > 0 {
		return preview, false, nil
	}
	grant, err = s.acquirer.Acquire(ctx, s.constraints)
	if err != nil {
		return nil, false, err
	}
	return grant, true, nil
}

func (s *WhipPublishSession) stale(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.epoch
}

// Stop releases the server-side resource, stops only tracks this
// session acquired itself, and closes the peer connection. Idempotent,
// and safe to call while Start is still negotiating.
func (s *WhipPublishSession) Stop(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	pc := s.pc
	location := s.resourceLocation
	ownGrant := s.acquiredLocally
	s.pc = nil
	s.resourceLocation = ""
	s.acquiredLocally = false
	s.state = domain.PeerStateClosed
	s.mu.Unlock()

	if location != "" {
		resp, err := s.http.R().SetContext(ctx).Delete(location)
		if err != nil || resp.IsError() {
			// Best effort: the local side has released its resources
			// either way.
			s.logger.Warnw("publish resource release failed",
				"location", location,
				"error", err,
				"reason", domain.ErrResourceReleaseFailed,
			)
		}
	}

	if ownGrant {
		s.acquirer.Release()
	}

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warnw("failed to close publish peer connection", "error", err)
		}
	}
	s.metrics.PeerStateChanged("publish", domain.PeerStateClosed.String())
}
