package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"github.com/go-resty/resty/v2"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// trackContainer is the inbound media container: at most one track per
// identity, guarding against duplicate ontrack events for the same
// physical track.
type trackContainer struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newTrackContainer() *trackContainer {
	return &trackContainer{ids: make(map[string]struct{})}
}

// add returns false when a track with that identity is already present.
func (c *trackContainer) add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.ids[id]; exists {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *trackContainer) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *trackContainer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make(map[string]struct{})
}

// WhepPlaybackSession receives the rendered character's audio/video
// over the inbound peer connection and feeds it to the bound sink.
type WhepPlaybackSession struct {
	cfg     SessionConfig
	http    *resty.Client
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	epoch     int
	state     domain.PeerSessionState
	stateFn   func(domain.PeerSessionState)
	pc        *webrtc.PeerConnection
	sink      ports.TrackSink
	container *trackContainer
	stopPLI   context.CancelFunc
}

var _ ports.PlaybackSession = (*WhepPlaybackSession)(nil)

// NewWhepPlaybackSession creates an idle playback session with a
// discarding sink; BindSink replaces it.
func NewWhepPlaybackSession(cfg SessionConfig, metrics ports.MetricsRecorder, log *zap.Logger) *WhepPlaybackSession {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &WhepPlaybackSession{
		cfg:       cfg,
		http:      resty.New(),
		metrics:   metrics,
		logger:    log.Sugar(),
		state:     domain.PeerStateIdle,
		sink:      &NullSink{},
		container: newTrackContainer(),
	}
}

// BindSink registers the playback sink. Bind before Start so
// late-arriving tracks attach without a race.
func (s *WhepPlaybackSession) BindSink(sink ports.TrackSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink != nil {
		s.sink = sink
	}
}

// State returns the current session state.
func (s *WhepPlaybackSession) State() domain.PeerSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers the state observer.
func (s *WhepPlaybackSession) OnStateChange(fn func(domain.PeerSessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFn = fn
}

func (s *WhepPlaybackSession) setState(epoch int, state domain.PeerSessionState) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.stateFn
	s.mu.Unlock()

	s.metrics.PeerStateChanged("playback", state.String())
	if fn != nil {
		fn(state)
	}
}

// Start negotiates the playback connection against the WHEP endpoint.
func (s *WhepPlaybackSession) Start(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	if s.state == domain.PeerStateNegotiating || s.state == domain.PeerStateConnected {
		s.mu.Unlock()
		return fmt.Errorf("playback session already started")
	}
	s.epoch++
	epoch := s.epoch
	s.state = domain.PeerStateNegotiating
	s.container.reset()
	sink := s.sink
	s.mu.Unlock()

	pc, err := newPeerConnection(s.cfg)
	if err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("create peer connection: %w", err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		pc.Close()
		return errStoppedDuringNegotiation
	}
	s.pc = pc
	s.mu.Unlock()

	// Receive intent only: the offer declares two recvonly transceivers
	// without requiring local tracks.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			s.setState(epoch, domain.PeerStateFailed)
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(epoch, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("playback connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.setState(epoch, domain.PeerStateConnected)
			// Playback start is deferred until connected; an autoplay
			// style rejection is logged, never fatal.
			if err := sink.Play(); err != nil {
				s.logger.Warnw("playback sink failed to start", "error", err)
			}
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
	answerSDP, _, err := exchangeSDP(ctx, s.http, endpoint, local.SDP)
	s.metrics.SignalingRoundTrip("playback", time.Since(postStart).Seconds())
	if err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("%w: %v", domain.ErrPlaybackRejected, err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		s.setState(epoch, domain.PeerStateFailed)
		return fmt.Errorf("%w: apply answer: %v", domain.ErrPlaybackRejected, err)
	}

	s.logger.Infow("playback negotiation complete", "endpoint", endpoint)
	return nil
}

// handleRemoteTrack attaches one inbound track to the container unless
// a track with that identity already arrived.
func (s *WhepPlaybackSession) handleRemoteTrack(epoch int, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	container := s.container
	sink := s.sink
	pc := s.pc
	s.mu.Unlock()

	id := track.ID()
	if !container.add(id) {
		s.logger.Debugw("duplicate inbound track ignored", "track_id", id)
		return
	}

	s.logger.Infow("inbound track attached",
		"track_id", id,
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if err := sink.AddTrack(track); err != nil {
		s.logger.Warnw("sink rejected inbound track", "track_id", id, "error", err)
		return
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo && pc != nil {
		s.startPLILoop(epoch, pc, uint32(track.SSRC()))
	}
}

// startPLILoop periodically requests keyframes for the video track so
// playback recovers quickly from loss.
func (s *WhepPlaybackSession) startPLILoop(epoch int, pc *webrtc.PeerConnection, ssrc uint32) {
	interval := s.cfg.PLIInterval
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		cancel()
		return
	}
	if s.stopPLI != nil {
		s.stopPLI()
	}
	s.stopPLI = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
				if err != nil {
					if errors.Is(err, io.ErrClosedPipe) {
						return
					}
					s.logger.Debugw("pli write failed", "error", err)
				}
			}
		}
	}()
}

func (s *WhepPlaybackSession) stale(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.epoch
}

// TrackCount reports how many distinct inbound tracks are attached.
func (s *WhepPlaybackSession) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container.size()
}

// Stop stops received tracks, closes the peer connection and detaches
// the sink. Idempotent.
func (s *WhepPlaybackSession) Stop(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	pc := s.pc
	sink := s.sink
	stopPLI := s.stopPLI
	s.pc = nil
	s.stopPLI = nil
	s.state = domain.PeerStateClosed
	s.container.reset()
	s.mu.Unlock()

	if stopPLI != nil {
		stopPLI()
	}

	sink.Stop()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warnw("failed to close playback peer connection", "error", err)
		}
	}
	s.metrics.PeerStateChanged("playback", domain.PeerStateClosed.String())
}
