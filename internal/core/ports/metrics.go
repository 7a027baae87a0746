package ports

// MetricsRecorder receives instrumentation events from the queue client
// and the peer sessions.
type MetricsRecorder interface {
	QueueJoined()
	QueueGranted(waitSeconds float64)
	HeartbeatSent()
	PollFailure(loop string)
	SessionStatusChanged(status string)
	PeerStateChanged(direction, state string)
	ICEGatherDuration(seconds float64)
	SignalingRoundTrip(direction string, seconds float64)
}

// NopMetrics discards all instrumentation events.
type NopMetrics struct{}

func (NopMetrics) QueueJoined()                            {}
func (NopMetrics) QueueGranted(float64)                    {}
func (NopMetrics) HeartbeatSent()                          {}
func (NopMetrics) PollFailure(string)                      {}
func (NopMetrics) SessionStatusChanged(string)             {}
func (NopMetrics) PeerStateChanged(string, string)         {}
func (NopMetrics) ICEGatherDuration(float64)               {}
func (NopMetrics) SignalingRoundTrip(string, float64)      {}
