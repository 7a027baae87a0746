package webrtc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v3"
)

// SessionConfig is shared by the publish and playback sessions.
type SessionConfig struct {
	STUNServers   []string
	GatherTimeout time.Duration
	PLIInterval   time.Duration
}

// DefaultSessionConfig returns the production defaults: a public STUN
// server and the 2 second gathering fallback.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		STUNServers:   []string{"stun:stun.l.google.com:19302"},
		GatherTimeout: 2 * time.Second,
		PLIInterval:   3 * time.Second,
	}
}

// newPeerConnection opens a bundled peer connection: one ICE candidate
// set shared by all tracks, as the WHIP/WHEP single-exchange signaling
// model requires.
func newPeerConnection(cfg SessionConfig) (*webrtc.PeerConnection, error) {
	conf := webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	if len(cfg.STUNServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	return webrtc.NewPeerConnection(conf)
}

// waitForICEGathering blocks until candidate gathering completes, the
// timeout fires, or the context is cancelled. The signaling transport
// is a single HTTP exchange with no trickle support, so offers must be
// self-contained; the timeout keeps a stalled gatherer from hanging the
// whole negotiation. A connection closed mid-wait simply resolves the
// wait, it is not an error.
func waitForICEGathering(ctx context.Context, pc *webrtc.PeerConnection, timeout time.Duration) {
	if pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return
	}

	done := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// exchangeSDP POSTs a self-contained offer to a WHIP/WHEP endpoint and
// returns the answer SDP plus the resource Location header (empty when
// absent).
func exchangeSDP(ctx context.Context, client *resty.Client, endpoint, offerSDP string) (answer string, location string, err error) {
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/sdp").
		SetHeader("Accept", "application/sdp").
		SetBody(offerSDP).
		Post(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("sdp exchange: %w", err)
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("sdp exchange: status %d", resp.StatusCode())
	}

	location = resolveLocation(endpoint, resp.Header().Get("Location"))
	return string(resp.Body()), location, nil
}

// resolveLocation resolves the server-issued resource location against
// the request URL. Servers may answer with absolute or relative URLs.
func resolveLocation(requestURL, location string) string {
	if location == "" {
		return ""
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}

	base, err := url.Parse(requestURL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}
