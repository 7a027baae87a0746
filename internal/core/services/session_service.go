package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"
	apperrors "charstream/pkg/errors"
	"charstream/pkg/logger"
	"charstream/pkg/tracing"

	"go.uber.org/zap"
)

// SessionConfig carries the orchestrator's startup parameters. The URL
// overrides win over both the persisted settings and the granted
// handle.
type SessionConfig struct {
	WhipURL      string
	WhepURL      string
	Constraints  ports.MediaConstraints
	GrantTimeout time.Duration // How long Start waits for a queue grant
}

// DefaultSessionConfig returns production orchestration parameters.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Constraints: ports.MediaConstraints{
			Video:     true,
			Audio:     true,
			Width:     1280,
			Height:    720,
			FrameRate: 30,
		},
		GrantTimeout: 5 * time.Minute,
	}
}

// streamSessionService sequences one full session: admission, compute
// start, local media, WHIP publish, WHEP playback. The generation
// counter plays the same role as the queue epoch: a peer-failure
// observer from a previous run finds a bumped generation and does
// nothing.
type streamSessionService struct {
	admission ports.AdmissionService
	publish   ports.PublishSession
	playback  ports.PlaybackSession
	acquirer  ports.MediaAcquirer
	compute   ports.ComputeAPI
	store     ports.SessionStateRepository
	cfg       SessionConfig
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	ctxLog    *logger.ContextLogger

	mu         sync.Mutex
	status     domain.SessionStatus
	err        error
	handle     *domain.StreamHandle
	generation int
	statusFn   func(domain.SessionStatus)
}

// NewSessionService wires the orchestrator and registers its peer
// failure observers.
func NewSessionService(
	admission ports.AdmissionService,
	publish ports.PublishSession,
	playback ports.PlaybackSession,
	acquirer ports.MediaAcquirer,
	compute ports.ComputeAPI,
	store ports.SessionStateRepository,
	cfg SessionConfig,
	metrics ports.MetricsRecorder,
	log *zap.Logger,
) ports.SessionService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	s := &streamSessionService{
		admission: admission,
		publish:   publish,
		playback:  playback,
		acquirer:  acquirer,
		compute:   compute,
		store:     store,
		cfg:       cfg,
		metrics:   metrics,
		logger:    log.Sugar(),
		ctxLog:    logger.NewContextLogger(log),
		status:    domain.SessionIdle,
	}
	publish.OnStateChange(s.observePeer("publish"))
	playback.OnStateChange(s.observePeer("playback"))
	return s
}

func (s *streamSessionService) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *streamSessionService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSessionService) OnStatusChange(fn func(domain.SessionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFn = fn
}

func (s *streamSessionService) setStatus(status domain.SessionStatus, err error) {
	s.mu.Lock()
	s.status = status
	s.err = err
	fn := s.statusFn
	s.mu.Unlock()
	s.metrics.SessionStatusChanged(status.String())
	if fn != nil {
		fn(status)
	}
}

// Start runs the full connect sequence. Publish negotiation strictly
// precedes playback so the server sees our media before we subscribe
// to the character's.
func (s *streamSessionService) Start(ctx context.Context, characterID domain.CharacterID) error {
	s.mu.Lock()
	if s.status == domain.SessionConnecting || s.status == domain.SessionConnected {
		s.mu.Unlock()
		return fmt.Errorf("session already %s", s.status)
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	ctx = logger.WithCharacterID(ctx, string(characterID))
	ctx, span := tracing.StartSpan(ctx, "session.start")
	var startErr error
	defer func() { tracing.EndSpan(span, startErr) }()

	s.setStatus(domain.SessionConnecting, nil)
	s.ctxLog.WithContext(ctx).Sugar().Infow("session starting")

	handle, err := s.resolveHandle(ctx, characterID)
	if err != nil {
		startErr = s.fail(ctx, gen, err)
		return startErr
	}

	handle, err = s.startCompute(ctx, characterID, handle)
	if err != nil {
		startErr = s.fail(ctx, gen, err)
		return startErr
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return errors.New("session start superseded")
	}
	s.handle = handle
	s.mu.Unlock()

	// Each leg runs only when its endpoint resolves: a playback-only
	// or publish-only configuration is a valid session.
	whipURL, whepURL := s.resolveURLs(ctx, handle)
	if whipURL == "" && whepURL == "" {
		startErr = s.fail(ctx, gen, apperrors.New(apperrors.ErrCodeInternal, "no publish or playback endpoint configured"))
		return startErr
	}

	if whipURL != "" {
		grant, err := s.acquirer.Acquire(ctx, s.cfg.Constraints)
		if err != nil {
			startErr = s.fail(ctx, gen, err)
			return startErr
		}
		if err := s.publish.Start(ctx, whipURL, grant); err != nil {
			startErr = s.fail(ctx, gen, err)
			return startErr
		}
	} else {
		s.logger.Infow("no publish endpoint, skipping outbound leg")
	}

	if whepURL != "" {
		if err := s.playback.Start(ctx, whepURL); err != nil {
			startErr = s.fail(ctx, gen, err)
			return startErr
		}
	} else {
		s.logger.Infow("no playback endpoint, skipping inbound leg")
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return errors.New("session start superseded")
	}
	s.mu.Unlock()

	s.setStatus(domain.SessionConnected, nil)
	if handle.SessionID != "" {
		ctx = logger.WithSessionID(ctx, handle.SessionID)
	}
	s.ctxLog.WithContext(ctx).Sugar().Infow("session connected",
		"stream_id", handle.StreamID,
		"whip_url", whipURL,
		"whep_url", whepURL,
	)
	return nil
}

// Stop tears everything down. Never returns an error; each step is
// attempted regardless of the others failing.
func (s *streamSessionService) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.status == domain.SessionIdle {
		s.mu.Unlock()
		return
	}
	s.generation++
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "session.stop")
	defer tracing.EndSpan(span, nil)

	s.teardown(ctx, handle)
	s.setStatus(domain.SessionIdle, nil)
	s.logger.Infow("session stopped")
}

// fail tears down whatever partial progress exists and lands in the
// error status. Returns the original error for the caller.
func (s *streamSessionService) fail(ctx context.Context, gen int, err error) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return err
	}
	s.generation++
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	s.logger.Errorw("session start failed", "error", err)
	s.teardown(ctx, handle)
	s.setStatus(domain.SessionError, classifySessionError(err))
	return err
}

// classifySessionError attaches the user-facing error code the control
// surface reports. Already-classified errors pass through unchanged.
func classifySessionError(err error) error {
	if err == nil {
		return nil
	}
	var se *apperrors.SessionError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return apperrors.Wrap(err, apperrors.ErrCodePermissionDenied, "media permission denied")
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return apperrors.Wrap(err, apperrors.ErrCodeDeviceUnavailable, "no usable capture device")
	case errors.Is(err, domain.ErrQueueJoinFailed):
		return apperrors.Wrap(err, apperrors.ErrCodeQueueJoinFailed, "queue join failed")
	case errors.Is(err, domain.ErrQueueExpired):
		return apperrors.Wrap(err, apperrors.ErrCodeQueueExpired, "queue reservation expired")
	case errors.Is(err, domain.ErrPublishRejected):
		return apperrors.Wrap(err, apperrors.ErrCodePublishRejected, "publish negotiation rejected")
	case errors.Is(err, domain.ErrPlaybackRejected):
		return apperrors.Wrap(err, apperrors.ErrCodePlaybackRejected, "playback negotiation rejected")
	case errors.Is(err, domain.ErrICEConnectionFailed):
		return apperrors.Wrap(err, apperrors.ErrCodeICEFailed, "media transport failed")
	case errors.Is(err, domain.ErrResourceReleaseFailed):
		return apperrors.Wrap(err, apperrors.ErrCodeResourceRelease, "publish resources not released")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "session failed")
	}
}

// teardown is the shared release path: peer sessions first, then local
// media, then server-side state. Every step is best effort.
func (s *streamSessionService) teardown(ctx context.Context, handle *domain.StreamHandle) {
	s.publish.Stop(ctx)
	s.playback.Stop(ctx)
	s.acquirer.Release()

	if handle != nil && handle.SessionID != "" {
		if err := s.compute.StopSession(ctx, handle.SessionID); err != nil {
			s.logger.Warnw("compute stop failed", "session_id", handle.SessionID, "error", err)
		}
	}
	if err := s.store.ClearHandle(ctx); err != nil {
		s.logger.Warnw("handle clear failed", "error", err)
	}
	if err := s.admission.Leave(ctx); err != nil {
		s.logger.Warnw("queue leave failed during teardown", "error", err)
	}
}

// resolveHandle reuses a persisted handle when one exists, otherwise
// runs the admission queue to completion.
func (s *streamSessionService) resolveHandle(ctx context.Context, characterID domain.CharacterID) (*domain.StreamHandle, error) {
	if stored, err := s.store.LoadHandle(ctx); err == nil && stored.Valid() {
		s.logger.Infow("reusing persisted stream handle", "stream_id", stored.StreamID)
		return stored, nil
	} else if err != nil && !errors.Is(err, domain.ErrHandleNotFound) {
		s.logger.Warnw("handle load failed, joining queue", "error", err)
	}

	granted := make(chan *domain.StreamHandle, 1)
	s.admission.OnGranted(func(h *domain.StreamHandle) {
		select {
		case granted <- h:
		default:
		}
	})

	if err := s.admission.Join(ctx, characterID); err != nil {
		return nil, err
	}

	timeout := s.cfg.GrantTimeout
	if timeout <= 0 {
		timeout = DefaultSessionConfig().GrantTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-granted:
		return h, nil
	case <-timer.C:
		_ = s.admission.Leave(ctx)
		return nil, fmt.Errorf("no slot granted within %s", timeout)
	case <-ctx.Done():
		_ = s.admission.Leave(context.Background())
		return nil, ctx.Err()
	}
}

// startCompute starts the server-side compute session and persists the
// resulting handle. Fields the compute response leaves empty keep the
// granted handle's values.
func (s *streamSessionService) startCompute(ctx context.Context, characterID domain.CharacterID, handle *domain.StreamHandle) (*domain.StreamHandle, error) {
	started, err := s.compute.StartSession(ctx, characterID)
	if err != nil {
		return nil, err
	}
	merged := mergeHandles(handle, started)
	if !merged.Valid() {
		return nil, fmt.Errorf("compute start returned unusable handle")
	}
	if err := s.store.SaveHandle(ctx, merged); err != nil {
		s.logger.Warnw("handle persist failed", "error", err)
	}
	return merged, nil
}

// mergeHandles overlays non-empty fields of b onto a.
func mergeHandles(a, b *domain.StreamHandle) *domain.StreamHandle {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := *a
	if b.StreamID != "" {
		out.StreamID = b.StreamID
	}
	if b.WhipURL != "" {
		out.WhipURL = b.WhipURL
	}
	if b.WhepURL != "" {
		out.WhepURL = b.WhepURL
	}
	if b.TaskID != "" {
		out.TaskID = b.TaskID
	}
	if b.SessionID != "" {
		out.SessionID = b.SessionID
	}
	if !b.IssuedAt.IsZero() {
		out.IssuedAt = b.IssuedAt
	}
	return &out
}

// resolveURLs picks the negotiation endpoints: explicit config wins,
// then the persisted settings, then the handle's own URLs.
func (s *streamSessionService) resolveURLs(ctx context.Context, handle *domain.StreamHandle) (whip, whep string) {
	whip = s.cfg.WhipURL
	whep = s.cfg.WhepURL

	if whip == "" {
		if v, err := s.store.GetSetting(ctx, ports.SettingWhipURL); err == nil && v != "" {
			whip = v
		}
	}
	if whep == "" {
		if v, err := s.store.GetSetting(ctx, ports.SettingWhepURL); err == nil && v != "" {
			whep = v
		}
	}
	if whip == "" {
		whip = handle.WhipURL
	}
	if whep == "" {
		whep = handle.WhepURL
	}
	return whip, whep
}

// observePeer reacts to peer connection state changes. A failure while
// connected collapses the whole session; there is no per-leg recovery.
func (s *streamSessionService) observePeer(direction string) func(domain.PeerSessionState) {
	return func(state domain.PeerSessionState) {
		s.metrics.PeerStateChanged(direction, state.String())

		if state != domain.PeerStateFailed {
			return
		}

		s.mu.Lock()
		if s.status != domain.SessionConnected {
			s.mu.Unlock()
			return
		}
		s.generation++
		handle := s.handle
		s.handle = nil
		s.mu.Unlock()

		s.logger.Errorw("peer connection failed, collapsing session", "direction", direction)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.teardown(ctx, handle)
			s.setStatus(domain.SessionError, classifySessionError(fmt.Errorf("%w: %s leg failed", domain.ErrICEConnectionFailed, direction)))
		}()
	}
}
