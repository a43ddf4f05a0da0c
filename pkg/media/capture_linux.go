//go:build linux

package media

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	captureWidth  = 1280
	captureHeight = 720
	videoBitRate  = 1_500_000 // 1.5 Mbps

	audioSampleDuration = 20 * time.Millisecond
	videoSampleDuration = 33 * time.Millisecond
)

// Capture opens the local camera and microphone via pion/mediadevices
// (V4L2 + malgo) at the fixed 1280x720 target and returns a Stream feeding
// VP8/Opus encoded samples into outbound tracks. A refused or missing device
// is returned as ErrAccessDenied.
func Capture(logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	for _, d := range mediadevices.EnumerateDevices() {
		logger.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: captureWidth}
			c.Height = prop.IntRanged{Max: captureHeight}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	audioLocal, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "callpeer")
	if err != nil {
		closeTracks(ms)
		return nil, fmt.Errorf("audio track: %w", err)
	}
	videoLocal, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "callpeer")
	if err != nil {
		closeTracks(ms)
		return nil, fmt.Errorf("video track: %w", err)
	}

	readers := make([]mediadevices.EncodedReadCloser, 0, 2)
	stop := func() {
		for _, r := range readers {
			r.Close()
		}
		closeTracks(ms)
	}

	s := NewStream(audioLocal, videoLocal, stop, logger)

	wire := func(t mediadevices.Track, codecName string, local *webrtc.TrackLocalStaticSample, gate *atomic.Bool, dur time.Duration, kind string) error {
		r, err := t.NewEncodedReader(codecName)
		if err != nil {
			return fmt.Errorf("%s encoded reader: %w", kind, err)
		}
		readers = append(readers, r)

		read := func() (pionmedia.Sample, error) {
			buf, release, err := r.Read()
			if err != nil {
				return pionmedia.Sample{}, err
			}
			data := make([]byte, len(buf.Data))
			copy(data, buf.Data)
			release()
			return pionmedia.Sample{Data: data, Duration: dur}, nil
		}

		s.wg.Add(1)
		go s.pump(read, local, gate, kind)
		return nil
	}

	for _, t := range ms.GetAudioTracks() {
		if err := wire(t, webrtc.MimeTypeOpus, audioLocal, &s.audioOn, audioSampleDuration, "audio"); err != nil {
			s.Close()
			return nil, err
		}
		break
	}
	for _, t := range ms.GetVideoTracks() {
		if err := wire(t, webrtc.MimeTypeVP8, videoLocal, &s.videoOn, videoSampleDuration, "video"); err != nil {
			s.Close()
			return nil, err
		}
		break
	}

	logger.Info("local media capture started", "width", captureWidth, "height", captureHeight)
	return s, nil
}

func closeTracks(ms mediadevices.MediaStream) {
	for _, t := range ms.GetTracks() {
		t.Close()
	}
}
