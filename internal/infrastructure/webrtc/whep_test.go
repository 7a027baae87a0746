package webrtc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"charstream/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSink struct {
	mu     sync.Mutex
	tracks int
	plays  int
	stops  int
}

func (s *countingSink) AddTrack(*webrtc.TrackRemote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks++
	return nil
}

func (s *countingSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return nil
}

func (s *countingSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func newWhepTestServer(t *testing.T, reject bool) (*httptest.Server, *[]string) {
	t.Helper()
	var offers []string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reject {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, http.MethodPost, r.Method)
		offer, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		mu.Lock()
		offers = append(offers, string(offer))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(answerSDPFor(t, string(offer))))
	}))
	t.Cleanup(srv.Close)
	return srv, &offers
}

func newTestPlaybackSession() *WhepPlaybackSession {
	return NewWhepPlaybackSession(testSessionConfig(), nil, zap.NewNop())
}

func TestWhepStart_OfferDeclaresReceiveOnlyIntent(t *testing.T) {
	srv, offers := newWhepTestServer(t, false)
	session := newTestPlaybackSession()
	defer session.Stop(context.Background())

	err := session.Start(context.Background(), srv.URL+"/whep")
	require.NoError(t, err)

	require.Len(t, *offers, 1)
	offer := (*offers)[0]
	assert.Contains(t, offer, "a=recvonly")
	assert.Contains(t, offer, "m=video")
	assert.Contains(t, offer, "m=audio")
}

func TestWhepStart_RejectedSignalingSurfacesPlaybackRejected(t *testing.T) {
	srv, _ := newWhepTestServer(t, true)
	session := newTestPlaybackSession()
	defer session.Stop(context.Background())

	err := session.Start(context.Background(), srv.URL+"/whep")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPlaybackRejected)
	assert.Equal(t, domain.PeerStateFailed, session.State())
}

func TestWhepStop_IdempotentAndDetachesSink(t *testing.T) {
	srv, _ := newWhepTestServer(t, false)
	sink := &countingSink{}
	session := newTestPlaybackSession()
	session.BindSink(sink)

	require.NoError(t, session.Start(context.Background(), srv.URL+"/whep"))

	assert.NotPanics(t, func() {
		session.Stop(context.Background())
		session.Stop(context.Background())
	})
	assert.Equal(t, domain.PeerStateClosed, session.State())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, sink.stops, 1)
}

func TestWhepStop_BeforeStartIsNoop(t *testing.T) {
	session := newTestPlaybackSession()
	assert.NotPanics(t, func() { session.Stop(context.Background()) })
	assert.Equal(t, domain.PeerStateClosed, session.State())
}

func TestWhep_StaleTrackEventAfterStopDoesNotMutate(t *testing.T) {
	srv, _ := newWhepTestServer(t, false)
	sink := &countingSink{}
	session := newTestPlaybackSession()
	session.BindSink(sink)

	require.NoError(t, session.Start(context.Background(), srv.URL+"/whep"))

	session.mu.Lock()
	staleEpoch := session.epoch
	session.mu.Unlock()

	session.Stop(context.Background())

	// A late ontrack callback from the previous negotiation must be a
	// no-op after stop.
	session.handleRemoteTrack(staleEpoch, &webrtc.TrackRemote{})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 0, sink.tracks)
	assert.Equal(t, 0, session.TrackCount())
}

func TestWhepStart_RestartableAfterStop(t *testing.T) {
	srv, offers := newWhepTestServer(t, false)
	session := newTestPlaybackSession()

	require.NoError(t, session.Start(context.Background(), srv.URL+"/whep"))
	session.Stop(context.Background())

	require.NoError(t, session.Start(context.Background(), srv.URL+"/whep"))
	session.Stop(context.Background())

	assert.Len(t, *offers, 2)
}

func TestWhepStart_SecondStartWhileNegotiatingFails(t *testing.T) {
	srv, _ := newWhepTestServer(t, false)
	session := newTestPlaybackSession()
	defer session.Stop(context.Background())

	require.NoError(t, session.Start(context.Background(), srv.URL+"/whep"))

	err := session.Start(context.Background(), srv.URL+"/whep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestAnswerSDPFor_ProducesParseableAnswer(t *testing.T) {
	session := newTestPlaybackSession()
	defer session.Stop(context.Background())

	srv, _ := newWhepTestServer(t, false)
	require.NoError(t, session.Start(context.Background(), srv.URL+"/whep"))

	session.mu.Lock()
	pc := session.pc
	session.mu.Unlock()
	require.NotNil(t, pc)
	require.NotNil(t, pc.RemoteDescription())
	assert.True(t, strings.HasPrefix(pc.RemoteDescription().SDP, "v=0"))
}
