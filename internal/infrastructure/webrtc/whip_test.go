package webrtc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testLocalTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	closed int
}

func (f *testLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *testLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *testLocalTrack) ID() string                            { return f.id }
func (f *testLocalTrack) RID() string                           { return "" }
func (f *testLocalTrack) StreamID() string                      { return "test-stream" }
func (f *testLocalTrack) Kind() webrtc.RTPCodecType             { return f.kind }
func (f *testLocalTrack) Close() error {
	f.closed++
	return nil
}

type testAcquirer struct {
	mu       sync.Mutex
	grant    *ports.MediaGrant
	acquires int
	releases int
	err      error
}

func (a *testAcquirer) Acquire(_ context.Context, c ports.MediaConstraints) (*ports.MediaGrant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquires++
	if a.err != nil {
		return nil, a.err
	}
	if a.grant == nil {
		a.grant = &ports.MediaGrant{
			Tracks:      []ports.LocalTrack{&testLocalTrack{id: "cam-0", kind: webrtc.RTPCodecTypeVideo}},
			Constraints: c,
			Granted:     true,
		}
	}
	return a.grant, nil
}

func (a *testAcquirer) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases++
	a.grant = nil
}

func (a *testAcquirer) Toggle(ctx context.Context, c ports.MediaConstraints) (*ports.MediaGrant, bool, error) {
	grant, err := a.Acquire(ctx, c)
	return grant, err == nil, err
}

func (a *testAcquirer) Current() *ports.MediaGrant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grant
}

// answerSDPFor produces a valid answer for the given offer using a
// throwaway pion peer connection.
func answerSDPFor(t *testing.T, offerSDP string) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))
	return pc.LocalDescription().SDP
}

type whipTestServer struct {
	srv       *httptest.Server
	mu        sync.Mutex
	posts     int
	deletes   []string
	rejectAll bool
}

func newWhipTestServer(t *testing.T) *whipTestServer {
	t.Helper()
	ws := &whipTestServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			ws.mu.Lock()
			ws.posts++
			reject := ws.rejectAll
			ws.mu.Unlock()
			if reject {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			require.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
			offer, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			w.Header().Set("Content-Type", "application/sdp")
			w.Header().Set("Location", "/resource/pub-1")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(answerSDPFor(t, string(offer))))
		case http.MethodDelete:
			ws.mu.Lock()
			ws.deletes = append(ws.deletes, r.URL.Path)
			ws.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		STUNServers:   nil, // host candidates only, keeps tests offline
		GatherTimeout: 2 * time.Second,
		PLIInterval:   0,
	}
}

func newTestPublishSession(acq ports.MediaAcquirer) *WhipPublishSession {
	return NewWhipPublishSession(
		testSessionConfig(),
		acq,
		ports.MediaConstraints{Video: true},
		nil,
		zap.NewNop(),
	)
}

func TestWhipStart_NegotiatesAndCapturesResourceLocation(t *testing.T) {
	server := newWhipTestServer(t)
	acq := &testAcquirer{}
	session := newTestPublishSession(acq)
	defer session.Stop(context.Background())

	err := session.Start(context.Background(), server.srv.URL+"/whip", nil)
	require.NoError(t, err)

	// Relative Location must be resolved against the request URL.
	assert.Equal(t, server.srv.URL+"/resource/pub-1", session.resourceLocation)
	assert.Equal(t, 1, acq.acquires, "no explicit source: falls back to fresh acquisition")
}

func TestWhipStart_ExplicitSourceSkipsAcquirer(t *testing.T) {
	server := newWhipTestServer(t)
	acq := &testAcquirer{}
	session := newTestPublishSession(acq)
	defer session.Stop(context.Background())

	track := &testLocalTrack{id: "external-0", kind: webrtc.RTPCodecTypeVideo}
	external := &ports.MediaGrant{Tracks: []ports.LocalTrack{track}, Granted: true}

	err := session.Start(context.Background(), server.srv.URL+"/whip", external)
	require.NoError(t, err)

	assert.Equal(t, 0, acq.acquires)

	// Externally supplied streams are never stopped by the session.
	session.Stop(context.Background())
	assert.Equal(t, 0, track.closed)
	assert.Equal(t, 0, acq.releases)
}

func TestWhipStart_PreviewGrantPreferredOverAcquire(t *testing.T) {
	server := newWhipTestServer(t)
	acq := &testAcquirer{}
	session := newTestPublishSession(acq)
	defer session.Stop(context.Background())

	preview := &ports.MediaGrant{
		Tracks:  []ports.LocalTrack{&testLocalTrack{id: "preview-0", kind: webrtc.RTPCodecTypeVideo}},
		Granted: true,
	}
	session.RegisterPreview(preview)

	err := session.Start(context.Background(), server.srv.URL+"/whip", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, acq.acquires)
}

func TestWhipStop_ReleasesServerResourceAndOwnedMedia(t *testing.T) {
	server := newWhipTestServer(t)
	acq := &testAcquirer{}
	session := newTestPublishSession(acq)

	require.NoError(t, session.Start(context.Background(), server.srv.URL+"/whip", nil))
	session.Stop(context.Background())

	server.mu.Lock()
	deletes := append([]string(nil), server.deletes...)
	server.mu.Unlock()

	require.Len(t, deletes, 1)
	assert.Equal(t, "/resource/pub-1", deletes[0])
	assert.Equal(t, 1, acq.releases, "freshly acquired media is stopped by the session")
	assert.Equal(t, domain.PeerStateClosed, session.State())
}

func TestWhipStop_IdempotentAndSafeBeforeStart(t *testing.T) {
	acq := &testAcquirer{}
	session := newTestPublishSession(acq)

	assert.NotPanics(t, func() {
		session.Stop(context.Background())
		session.Stop(context.Background())
	})
	assert.Equal(t, domain.PeerStateClosed, session.State())

	server := newWhipTestServer(t)
	require.NoError(t, session.Start(context.Background(), server.srv.URL+"/whip", nil))
	session.Stop(context.Background())
	session.Stop(context.Background())

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Len(t, server.deletes, 1, "resource released exactly once")
}

func TestWhipStart_RejectedSignalingSurfacesPublishRejected(t *testing.T) {
	server := newWhipTestServer(t)
	server.rejectAll = true

	acq := &testAcquirer{}
	session := newTestPublishSession(acq)
	defer session.Stop(context.Background())

	err := session.Start(context.Background(), server.srv.URL+"/whip", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPublishRejected)
	assert.Equal(t, domain.PeerStateFailed, session.State())
}

func TestWhipStart_MediaFailurePropagates(t *testing.T) {
	acq := &testAcquirer{err: domain.ErrPermissionDenied}
	session := newTestPublishSession(acq)

	err := session.Start(context.Background(), "http://unused.invalid/whip", nil)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, domain.PeerStateFailed, session.State())
}
