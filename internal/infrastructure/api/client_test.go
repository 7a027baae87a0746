package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"charstream/internal/core/domain"
	"charstream/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
	}, nil)
}

func TestJoin_SendsCharacterID(t *testing.T) {
	var gotBody map[string]string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/queue", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		ahead := 4
		writeJSON(w, map[string]any{
			"character_id": gotBody["character_id"],
			"users_ahead":  ahead,
		})
	}))

	ticket, err := client.Join(context.Background(), "char-42")
	require.NoError(t, err)

	assert.Equal(t, "char-42", gotBody["character_id"])
	require.NotNil(t, ticket.UsersAhead)
	assert.Equal(t, 4, *ticket.UsersAhead)
	assert.True(t, ticket.Queued())
}

func TestStatus_NullFieldsMeansNotQueued(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"users_ahead": null, "expires_in_seconds": null}`))
	}))

	ticket, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, ticket.Queued())
}

func TestStatus_ParsesBodyWithoutContentType(t *testing.T) {
	// A server that omits the Content-Type header must not be mistaken
	// for an expired reservation: the ticket body still decodes.
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`{"users_ahead": 2, "expires_in_seconds": 30}`))
	}))

	ticket, err := client.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ticket.UsersAhead)
	assert.Equal(t, 2, *ticket.UsersAhead)
	assert.True(t, ticket.Queued())
}

func TestAvailability_NoContentMeansNoSlot(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	handle, err := client.Availability(context.Background())
	require.NoError(t, err)
	assert.Nil(t, handle)
}

func TestAvailability_ReturnsHandle(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream", r.URL.Path)
		writeJSON(w, map[string]string{
			"streamId": "s-1",
			"whipUrl":  "https://media.example.com/whip/s-1",
			"whepUrl":  "https://media.example.com/whep/s-1",
			"taskId":   "t-1",
		})
	}))

	handle, err := client.Availability(context.Background())
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "s-1", handle.StreamID)
	assert.True(t, handle.Valid())
}

func TestStartSession_MergesTopLevelURLs(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/service/start", r.URL.Path)
		writeJSON(w, map[string]any{
			"sessionId": "sess-9",
			"whipUrl":   "https://media.example.com/whip/sess-9",
			"whepUrl":   "https://media.example.com/whep/sess-9",
			"stream":    map[string]string{"streamId": "s-9", "taskId": "t-9"},
		})
	}))

	handle, err := client.StartSession(context.Background(), "char-1")
	require.NoError(t, err)

	assert.Equal(t, "sess-9", handle.SessionID)
	assert.Equal(t, "s-9", handle.StreamID)
	assert.Equal(t, "https://media.example.com/whip/sess-9", handle.WhipURL)
	assert.Equal(t, "https://media.example.com/whep/sess-9", handle.WhepURL)
}

func TestStopSession_PostsSessionID(t *testing.T) {
	var got stopSessionRequest
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/service/stop", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))

	require.NoError(t, client.StopSession(context.Background(), "sess-9"))
	assert.Equal(t, "sess-9", got.SessionID)
}

func TestStopSession_EmptyIDIsRejectedLocally(t *testing.T) {
	requests := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))

	err := client.StopSession(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)
	assert.Equal(t, 0, requests)
}

func TestStartSession_RetriesTransientFailure(t *testing.T) {
	attempts := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{
			"sessionId": "sess-2",
			"stream":    map[string]string{"streamId": "s-2", "whipUrl": "w", "whepUrl": "p"},
		})
	}))

	handle, err := client.StartSession(context.Background(), "char-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "sess-2", handle.SessionID)
}

func TestStartSession_ClientErrorIsNotRetried(t *testing.T) {
	attempts := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.StartSession(context.Background(), "char-1")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestJoin_ServerErrorIsQueueJoinFailed(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.Join(context.Background(), "char-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueJoinFailed)
}

func TestBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:        srv.URL,
		RequestTimeout: time.Second,
		Breaker: circuitbreaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Cooldown:         time.Minute,
		},
	}, nil)

	ctx := context.Background()
	_ = client.Heartbeat(ctx)
	_ = client.Heartbeat(ctx)

	err := client.Heartbeat(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
