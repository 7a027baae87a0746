package webrtc

import (
	"fmt"
	"sync"

	"charstream/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// NullSink discards inbound media while keeping the RTP readers
// drained.
type NullSink struct{}

func (NullSink) AddTrack(track *webrtc.TrackRemote) error {
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
	return nil
}

func (NullSink) Play() error { return nil }
func (NullSink) Stop()       {}

// FileSink writes inbound video to an IVF file and inbound audio to an
// OGG file. Writing starts only once Play is called; packets received
// before that are drained and dropped, mirroring a paused player.
type FileSink struct {
	videoPath string
	audioPath string
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	playing bool
	closed  bool
	video   *ivfwriter.IVFWriter
	audio   *oggwriter.OggWriter
}

var _ ports.TrackSink = (*FileSink)(nil)

// NewFileSink creates a sink writing to the given paths. Writers are
// opened lazily when the first track of each kind arrives.
func NewFileSink(videoPath, audioPath string, log *zap.Logger) *FileSink {
	return &FileSink{
		videoPath: videoPath,
		audioPath: audioPath,
		logger:    log.Sugar(),
	}
}

// AddTrack starts a reader for the track. The reader exits when the
// peer connection closes and the track read fails.
func (s *FileSink) AddTrack(track *webrtc.TrackRemote) error {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		s.mu.Lock()
		if s.video == nil && !s.closed {
			writer, err := ivfwriter.New(s.videoPath)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("open ivf writer: %w", err)
			}
			s.video = writer
		}
		s.mu.Unlock()
	case webrtc.RTPCodecTypeAudio:
		s.mu.Lock()
		if s.audio == nil && !s.closed {
			writer, err := oggwriter.New(s.audioPath, 48000, 2)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("open ogg writer: %w", err)
			}
			s.audio = writer
		}
		s.mu.Unlock()
	default:
		return fmt.Errorf("unsupported track kind: %s", track.Kind())
	}

	go s.readLoop(track)
	return nil
}

func (s *FileSink) readLoop(track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.writePacket(kind, packet)
	}
}

// writePacket routes one RTP packet to the matching container writer.
// Packets arriving while paused or after Stop are dropped.
func (s *FileSink) writePacket(kind webrtc.RTPCodecType, packet *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.playing {
		return
	}
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		if s.video != nil {
			if err := s.video.WriteRTP(packet); err != nil {
				s.logger.Debugw("ivf write failed", "error", err)
			}
		}
	case webrtc.RTPCodecTypeAudio:
		if s.audio != nil {
			if err := s.audio.WriteRTP(packet); err != nil {
				s.logger.Debugw("ogg write failed", "error", err)
			}
		}
	}
}

// Play starts writing received media.
func (s *FileSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink already stopped")
	}
	s.playing = true
	return nil
}

// Stop closes the writers. Idempotent.
func (s *FileSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.playing = false
	if s.video != nil {
		if err := s.video.Close(); err != nil {
			s.logger.Warnw("failed to close ivf writer", "error", err)
		}
		s.video = nil
	}
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			s.logger.Warnw("failed to close ogg writer", "error", err)
		}
		s.audio = nil
	}
}
