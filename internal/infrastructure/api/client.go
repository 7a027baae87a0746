package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"
	"charstream/pkg/circuitbreaker"
	"charstream/pkg/logger"
	"charstream/pkg/retry"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config for the queue/compute REST client.
type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	Breaker        circuitbreaker.Config
}

// Client talks to the versioned queue/compute REST surface. All calls
// pass through a rate limiter and a circuit breaker so a down server is
// not hammered by the polling loops.
type Client struct {
	http     *resty.Client
	breaker  *circuitbreaker.Breaker
	limiter  *rate.Limiter
	clientID string
	logger   *zap.SugaredLogger
}

var _ ports.QueueAPI = (*Client)(nil)
var _ ports.ComputeAPI = (*Client)(nil)

// NewClient creates a REST client. An expired bearer token is logged as
// a warning up front rather than discovered via a burst of 401s.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = logger.New("info")
	}
	sugar := log.Sugar()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
		warnIfTokenExpired(cfg.Token, sugar)
	}

	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = circuitbreaker.DefaultConfig()
	}

	c := &Client{
		http:     httpClient,
		breaker:  circuitbreaker.New(breakerCfg),
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		clientID: uuid.NewString(),
		logger:   sugar,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		sugar.Warnw("api breaker state changed", "from", from.String(), "to", to.String())
	})
	return c
}

// ClientID returns the identifier this client sends with session
// start requests. Stable for the process lifetime.
func (c *Client) ClientID() string {
	return c.clientID
}

// warnIfTokenExpired inspects the token's exp claim without verifying
// the signature; verification is the server's job.
func warnIfTokenExpired(token string, log *zap.SugaredLogger) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return // opaque tokens are fine
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		log.Warnw("api token is expired", "expired_at", exp.Time)
	}
}

// queueTicketDTO is the queue endpoints' wire shape.
type queueTicketDTO struct {
	CharacterID      string   `json:"character_id"`
	UsersAhead       *int     `json:"users_ahead"`
	EstimateSeconds  *float64 `json:"estimate_seconds"`
	ExpiresInSeconds *float64 `json:"expires_in_seconds"`
}

func (d *queueTicketDTO) toDomain() *domain.QueueTicket {
	if d == nil {
		return nil
	}
	return &domain.QueueTicket{
		CharacterID:      domain.CharacterID(d.CharacterID),
		UsersAhead:       d.UsersAhead,
		EstimateSeconds:  d.EstimateSeconds,
		ExpiresInSeconds: d.ExpiresInSeconds,
	}
}

// streamHandleDTO is the availability/compute endpoints' wire shape.
type streamHandleDTO struct {
	StreamID  string `json:"streamId"`
	WhipURL   string `json:"whipUrl"`
	WhepURL   string `json:"whepUrl"`
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId,omitempty"`
}

func (d *streamHandleDTO) toDomain() *domain.StreamHandle {
	if d == nil || d.StreamID == "" {
		return nil
	}
	return &domain.StreamHandle{
		StreamID:  d.StreamID,
		WhipURL:   d.WhipURL,
		WhepURL:   d.WhepURL,
		TaskID:    d.TaskID,
		SessionID: d.SessionID,
		IssuedAt:  time.Now(),
	}
}

type startSessionRequest struct {
	CharacterID string `json:"character_id"`
	ClientID    string `json:"client_id"`
}

type startSessionResponse struct {
	SessionID string          `json:"sessionId"`
	WhipURL   string          `json:"whipUrl"`
	WhepURL   string          `json:"whepUrl"`
	Stream    streamHandleDTO `json:"stream"`
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return c.breaker.Do(fn)
}

// Join submits a queue join request for the given character.
func (c *Client) Join(ctx context.Context, characterID domain.CharacterID) (*domain.QueueTicket, error) {
	var ticket queueTicketDTO
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"character_id": string(characterID)}).
			SetResult(&ticket).
			ForceContentType("application/json").
			Post("/queue")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("%w: status %d", domain.ErrQueueJoinFailed, resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket.toDomain(), nil
}

// Status fetches the current queue ticket. The server answers with
// null fields when the client has fallen out of the queue.
func (c *Client) Status(ctx context.Context) (*domain.QueueTicket, error) {
	var ticket queueTicketDTO
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&ticket).
			ForceContentType("application/json").
			Get("/queue")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("queue status: status %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket.toDomain(), nil
}

// Heartbeat extends the queue reservation.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, func() error {
		resp, err := c.http.R().SetContext(ctx).Put("/queue")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("queue heartbeat: status %d", resp.StatusCode())
		}
		return nil
	})
}

// Leave removes the client from the queue.
func (c *Client) Leave(ctx context.Context) error {
	return c.do(ctx, func() error {
		resp, err := c.http.R().SetContext(ctx).Delete("/queue")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("queue leave: status %d", resp.StatusCode())
		}
		return nil
	})
}

// Availability checks whether a compute slot has been assigned. It
// returns (nil, nil) while no slot is available.
func (c *Client) Availability(ctx context.Context) (*domain.StreamHandle, error) {
	var handle streamHandleDTO
	err := c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&handle).
			ForceContentType("application/json").
			Get("/stream")
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusNoContent || resp.StatusCode() == http.StatusNotFound {
			handle = streamHandleDTO{}
			return nil
		}
		if resp.IsError() {
			return fmt.Errorf("stream availability: status %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle.toDomain(), nil
}

// StartSession starts the compute session behind a granted slot.
// Transient failures are retried with backoff; a 4xx is final.
func (c *Client) StartSession(ctx context.Context, characterID domain.CharacterID) (*domain.StreamHandle, error) {
	var result startSessionResponse
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.do(ctx, func() error {
			resp, err := c.http.R().
				SetContext(ctx).
				SetBody(startSessionRequest{CharacterID: string(characterID), ClientID: c.clientID}).
				SetResult(&result).
				ForceContentType("application/json").
				Post("/service/start")
			if err != nil {
				return err
			}
			if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
				return retry.Permanent(fmt.Errorf("service start: status %d", resp.StatusCode()))
			}
			if resp.IsError() {
				return fmt.Errorf("service start: status %d", resp.StatusCode())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	handle := result.Stream.toDomain()
	if handle == nil {
		handle = &domain.StreamHandle{IssuedAt: time.Now()}
	}
	handle.SessionID = result.SessionID
	if result.WhipURL != "" {
		handle.WhipURL = result.WhipURL
	}
	if result.WhepURL != "" {
		handle.WhepURL = result.WhepURL
	}
	if handle.StreamID == "" {
		handle.StreamID = result.SessionID
	}
	return handle, nil
}

// StopSession stops the compute session. Best effort on teardown paths.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return domain.ErrSessionNotStarted
	}
	return c.do(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(stopSessionRequest{SessionID: sessionID}).
			Post("/service/stop")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("service stop: status %d", resp.StatusCode())
		}
		return nil
	})
}
