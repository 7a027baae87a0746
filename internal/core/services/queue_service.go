package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"go.uber.org/zap"
)

// QueueConfig tunes the admission polling loops.
type QueueConfig struct {
	PollInterval      time.Duration // Position and availability poll cadence
	MaxPollFailures   int           // Consecutive failures before a loop gives up
	HeartbeatLowWater time.Duration // Remaining reservation below this triggers a heartbeat
}

// DefaultQueueConfig returns the production polling parameters.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:      3 * time.Second,
		MaxPollFailures:   3,
		HeartbeatLowWater: 3 * time.Second,
	}
}

// admissionQueueService drives the NOT_QUEUED -> QUEUED -> GRANTED
// state machine with two independent polling loops. Every poll callback
// checks the epoch before mutating state, so a late response cannot
// resurrect a cancelled attempt: once a grant or queue-exit lands,
// both loops are dead from the caller's point of view.
type admissionQueueService struct {
	api     ports.QueueAPI
	cfg     QueueConfig
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	state       domain.QueueState
	ticket      *domain.QueueTicket
	epoch       int
	cancelPolls context.CancelFunc
	joinedAt    time.Time

	grantedFn func(*domain.StreamHandle)
	stateFn   func(domain.QueueState)
	errFn     func(error)
}

// NewAdmissionQueueService creates a queue client in NOT_QUEUED.
func NewAdmissionQueueService(api ports.QueueAPI, cfg QueueConfig, metrics ports.MetricsRecorder, log *zap.Logger) ports.AdmissionService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &admissionQueueService{
		api:     api,
		cfg:     cfg,
		metrics: metrics,
		logger:  log.Sugar(),
		state:   domain.QueueStateNotQueued,
	}
}

func (s *admissionQueueService) State() domain.QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *admissionQueueService) Ticket() *domain.QueueTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket
}

func (s *admissionQueueService) OnGranted(fn func(*domain.StreamHandle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantedFn = fn
}

func (s *admissionQueueService) OnStateChange(fn func(domain.QueueState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFn = fn
}

func (s *admissionQueueService) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errFn = fn
}

// transitionLocked moves the state machine, firing the observer.
// Caller holds s.mu; the callback is invoked outside the lock.
func (s *admissionQueueService) transitionLocked(next domain.QueueState) (func(), error) {
	newState, err := s.state.Transition(next)
	if err != nil {
		return func() {}, err
	}
	s.state = newState
	fn := s.stateFn
	return func() {
		if fn != nil {
			fn(newState)
		}
	}, nil
}

// Join enters the admission queue for the given character. The fast
// path checks slot availability first and skips queueing entirely when
// a stream is already assigned.
func (s *admissionQueueService) Join(ctx context.Context, characterID domain.CharacterID) error {
	s.mu.Lock()
	if s.state != domain.QueueStateNotQueued {
		s.mu.Unlock()
		return fmt.Errorf("already %s", s.state)
	}
	s.mu.Unlock()

	// Fast path: a slot may already be waiting for us.
	handle, err := s.api.Availability(ctx)
	if err != nil {
		s.logger.Warnw("availability probe failed, falling through to join", "error", err)
	}
	if handle.Valid() {
		s.logger.Infow("stream already available, skipping queue", "stream_id", handle.StreamID)
		s.grant(s.currentEpoch(), handle, time.Now())
		return nil
	}

	ticket, err := s.api.Join(ctx, characterID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueJoinFailed, err)
	}

	s.mu.Lock()
	notify, terr := s.transitionLocked(domain.QueueStateQueued)
	if terr != nil {
		s.mu.Unlock()
		return terr
	}
	s.ticket = ticket
	s.joinedAt = time.Now()
	s.epoch++
	epoch := s.epoch
	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancelPolls = cancel
	s.mu.Unlock()
	notify()

	s.metrics.QueueJoined()
	s.logger.Infow("joined admission queue",
		"character_id", characterID,
		"users_ahead", ticket.UsersAhead,
	)

	go s.positionLoop(pollCtx, epoch)
	go s.availabilityLoop(pollCtx, epoch)
	return nil
}

// Leave cancels the admission attempt. Safe to call when not queued.
func (s *admissionQueueService) Leave(ctx context.Context) error {
	s.mu.Lock()
	wasQueued := s.state == domain.QueueStateQueued
	s.epoch++
	if s.cancelPolls != nil {
		s.cancelPolls()
		s.cancelPolls = nil
	}
	s.ticket = nil
	var notify func()
	if s.state != domain.QueueStateNotQueued {
		var terr error
		notify, terr = s.transitionLocked(domain.QueueStateNotQueued)
		if terr != nil {
			notify = func() {}
			s.logger.Warnw("leave transition rejected", "error", terr)
		}
	} else {
		notify = func() {}
	}
	s.mu.Unlock()
	notify()

	if !wasQueued {
		return nil
	}

	if err := s.api.Leave(ctx); err != nil {
		// Local state is already cleared; the server-side reservation
		// will expire on its own.
		s.logger.Warnw("queue leave request failed", "error", err)
		return err
	}
	s.logger.Infow("left admission queue")
	return nil
}

func (s *admissionQueueService) currentEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *admissionQueueService) live(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch == s.epoch
}

// positionLoop periodically fetches the ticket, sends keep-alive
// heartbeats, and detects silent queue exit.
func (s *admissionQueueService) positionLoop(ctx context.Context, epoch int) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.live(epoch) {
			return
		}

		if err := s.pollPositionOnce(ctx, epoch); err != nil {
			failures++
			s.metrics.PollFailure("position")
			s.logger.Warnw("position poll failed", "failures", failures, "error", err)
			if failures >= s.cfg.MaxPollFailures {
				// Surface and stop this loop; the queue membership is
				// left intact so the user can retry.
				s.surfaceError(fmt.Errorf("position polling gave up after %d failures: %w", failures, err))
				return
			}
			continue
		}
		failures = 0
	}
}

// pollPositionOnce runs one position-poll tick. A stale epoch makes it
// a no-op so a late response never mutates state after cancellation.
func (s *admissionQueueService) pollPositionOnce(ctx context.Context, epoch int) error {
	ticket, err := s.api.Status(ctx)
	if err != nil {
		return err
	}

	if !s.live(epoch) {
		return nil
	}

	if !ticket.Queued() {
		// The server no longer knows us: we fell out of the queue.
		s.logger.Infow("queue ticket expired, stopping polls")
		s.exitQueue(epoch)
		s.surfaceError(domain.ErrQueueExpired)
		return nil
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.ticket = ticket
	s.mu.Unlock()

	switch {
	case ticket.FrontOfLine():
		// Zero users ahead but still queued: the grant is imminent and
		// the availability loop will pick it up.
		s.logger.Infow("front of line, awaiting slot grant")
	case ticket.UsersAhead != nil:
		s.logger.Infow("queue position updated", "users_ahead", *ticket.UsersAhead)
	}

	// Keep-alive race against server-side expiry: the heartbeat must
	// land before the reservation runs out, not on the next tick.
	if ticket.ExpiresInSeconds != nil && *ticket.ExpiresInSeconds < s.cfg.HeartbeatLowWater.Seconds() {
		if err := s.api.Heartbeat(ctx); err != nil {
			s.logger.Warnw("queue heartbeat failed", "error", err)
		} else {
			s.metrics.HeartbeatSent()
			s.logger.Debugw("queue heartbeat sent", "expires_in", *ticket.ExpiresInSeconds)
		}
	}
	return nil
}

// availabilityLoop polls for an assigned compute slot.
func (s *admissionQueueService) availabilityLoop(ctx context.Context, epoch int) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.live(epoch) {
			return
		}

		handle, err := s.api.Availability(ctx)
		if err != nil {
			failures++
			s.metrics.PollFailure("availability")
			s.logger.Warnw("availability poll failed", "failures", failures, "error", err)
			if failures >= s.cfg.MaxPollFailures {
				s.surfaceError(fmt.Errorf("availability polling gave up after %d failures: %w", failures, err))
				return
			}
			continue
		}
		failures = 0

		if handle.Valid() {
			s.mu.Lock()
			joinedAt := s.joinedAt
			s.mu.Unlock()
			s.grant(epoch, handle, joinedAt)
			return
		}
	}
}

// grant finalizes the admission attempt: both polling loops are
// cancelled in the same step that bumps the epoch, so no further poll
// callback can run or mutate state afterwards.
func (s *admissionQueueService) grant(epoch int, handle *domain.StreamHandle, joinedAt time.Time) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	notify, err := s.transitionLocked(domain.QueueStateGranted)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warnw("grant transition rejected", "error", err)
		return
	}
	s.epoch++
	if s.cancelPolls != nil {
		s.cancelPolls()
		s.cancelPolls = nil
	}
	s.ticket = nil
	grantedFn := s.grantedFn
	s.mu.Unlock()
	notify()

	wait := time.Since(joinedAt).Seconds()
	s.metrics.QueueGranted(wait)
	s.logger.Infow("compute slot granted",
		"stream_id", handle.StreamID,
		"wait_seconds", wait,
	)

	if grantedFn != nil {
		grantedFn(handle)
	}
}

// exitQueue returns to NOT_QUEUED after a server-side expiry.
func (s *admissionQueueService) exitQueue(epoch int) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.epoch++
	if s.cancelPolls != nil {
		s.cancelPolls()
		s.cancelPolls = nil
	}
	s.ticket = nil
	notify, err := s.transitionLocked(domain.QueueStateNotQueued)
	if err != nil {
		notify = func() {}
	}
	s.mu.Unlock()
	notify()
}

func (s *admissionQueueService) surfaceError(err error) {
	s.mu.Lock()
	fn := s.errFn
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
