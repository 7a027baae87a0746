package media

import (
	"context"
	"fmt"
	"strings"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/prop"
)

// Source abstracts the capture device layer so the acquirer can be
// tested without hardware.
type Source interface {
	Open(ctx context.Context, c ports.MediaConstraints) ([]ports.LocalTrack, error)
}

// deviceSource opens real camera/microphone devices through
// pion/mediadevices with VP8 video and Opus audio.
type deviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the production capture source.
func NewDeviceSource() (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &deviceSource{selector: selector}, nil
}

func (s *deviceSource) Open(_ context.Context, c ports.MediaConstraints) ([]ports.LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mt *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mt.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mt.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mt.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mt *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	tracks := make([]ports.LocalTrack, 0, 2)
	for _, track := range stream.GetTracks() {
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, domain.ErrDeviceUnavailable
	}
	return tracks, nil
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}
