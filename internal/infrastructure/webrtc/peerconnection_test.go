package webrtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLocation(t *testing.T) {
	cases := []struct {
		name       string
		requestURL string
		location   string
		want       string
	}{
		{
			name:       "absolute url passes through",
			requestURL: "https://media.example.com/whip",
			location:   "https://other.example.com/resource/abc",
			want:       "https://other.example.com/resource/abc",
		},
		{
			name:       "path-absolute resolves against host",
			requestURL: "https://media.example.com/whip/endpoint",
			location:   "/resource/abc",
			want:       "https://media.example.com/resource/abc",
		},
		{
			name:       "relative resolves against request path",
			requestURL: "https://media.example.com/whip/endpoint",
			location:   "abc",
			want:       "https://media.example.com/whip/abc",
		},
		{
			name:       "empty location stays empty",
			requestURL: "https://media.example.com/whip",
			location:   "",
			want:       "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveLocation(tc.requestURL, tc.location))
		})
	}
}

func TestWaitForICEGathering_TimesOutWhenGatheringNeverCompletes(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	// No local description set: gathering never starts, so the wait
	// must resolve via its timeout rather than hang.
	start := time.Now()
	waitForICEGathering(context.Background(), pc, 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForICEGathering_ContextCancelUnblocks(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	waitForICEGathering(ctx, pc, 10*time.Second)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTrackContainer_DuplicateIdentityGuard(t *testing.T) {
	c := newTrackContainer()

	assert.True(t, c.add("track-a"))
	assert.False(t, c.add("track-a"), "second event for same identity must be rejected")
	assert.Equal(t, 1, c.size())

	assert.True(t, c.add("track-b"))
	assert.Equal(t, 2, c.size())

	c.reset()
	assert.Equal(t, 0, c.size())
	assert.True(t, c.add("track-a"), "reset clears identities")
}
