package domain

import "errors"

var (
	ErrPermissionDenied      = errors.New("media permission denied")
	ErrDeviceUnavailable     = errors.New("media device unavailable")
	ErrQueueJoinFailed       = errors.New("queue join failed")
	ErrQueueExpired          = errors.New("queue reservation expired")
	ErrPublishRejected       = errors.New("publish signaling rejected")
	ErrPlaybackRejected      = errors.New("playback signaling rejected")
	ErrICEConnectionFailed   = errors.New("ice connection failed")
	ErrResourceReleaseFailed = errors.New("publish resource release failed")
	ErrSessionNotStarted     = errors.New("session not started")
	ErrHandleNotFound        = errors.New("stream handle not found")
)
