package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"charstream/internal/core/domain"
	apperrors "charstream/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSession struct {
	status domain.SessionStatus
	err    error
}

func (s *stubSession) Start(context.Context, domain.CharacterID) error { return nil }
func (s *stubSession) Stop(context.Context)                            {}
func (s *stubSession) Status() domain.SessionStatus                    { return s.status }
func (s *stubSession) Err() error                                      { return s.err }
func (s *stubSession) OnStatusChange(func(domain.SessionStatus))       {}

type stubAdmission struct {
	state  domain.QueueState
	ticket *domain.QueueTicket
}

func (a *stubAdmission) Join(context.Context, domain.CharacterID) error { return nil }
func (a *stubAdmission) Leave(context.Context) error                    { return nil }
func (a *stubAdmission) State() domain.QueueState                       { return a.state }
func (a *stubAdmission) Ticket() *domain.QueueTicket                    { return a.ticket }
func (a *stubAdmission) OnGranted(func(*domain.StreamHandle))           {}
func (a *stubAdmission) OnStateChange(func(domain.QueueState))          {}
func (a *stubAdmission) OnError(func(error))                            {}

func statusRequest(t *testing.T, srv *Server) statusEvent {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/status", nil)

	srv.handleStatus(c)
	require.Equal(t, http.StatusOK, rec.Code)

	var event statusEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	return event
}

func TestStatusReportsQueuePosition(t *testing.T) {
	ahead := 3
	srv := NewServer(
		&stubSession{status: domain.SessionConnecting},
		&stubAdmission{state: domain.QueueStateQueued, ticket: &domain.QueueTicket{UsersAhead: &ahead}},
		nil, zap.NewNop(),
	)

	event := statusRequest(t, srv)
	assert.Equal(t, domain.SessionConnecting.String(), event.Status)
	assert.Equal(t, domain.QueueStateQueued.String(), event.QueueState)
	require.NotNil(t, event.UsersAhead)
	assert.Equal(t, 3, *event.UsersAhead)
	assert.Empty(t, event.ErrorCode)
}

func TestStatusCarriesErrorCodeAndUserMessage(t *testing.T) {
	sessionErr := apperrors.Wrap(domain.ErrICEConnectionFailed, apperrors.ErrCodeICEFailed, "media transport failed")
	srv := NewServer(
		&stubSession{status: domain.SessionError, err: sessionErr},
		&stubAdmission{state: domain.QueueStateNotQueued},
		nil, zap.NewNop(),
	)

	event := statusRequest(t, srv)
	assert.Equal(t, domain.SessionError.String(), event.Status)
	assert.Equal(t, string(apperrors.ErrCodeICEFailed), event.ErrorCode)
	assert.NotEmpty(t, event.UserMessage)
	assert.Contains(t, event.Error, "ice connection failed")
}
