package media

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrAccessDenied means the local camera/microphone could not be opened.
// Fatal to the call: surfaced to the caller, never retried automatically.
var ErrAccessDenied = errors.New("media access denied")

// Stream holds the local outbound tracks with per-kind mute gates. Toggling
// never removes a track from the peer connection; it only stops feeding
// samples, so the remote side keeps receiving a muted/blanked track.
type Stream struct {
	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	stop     func()
	stopOnce sync.Once
	closeCh  chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewStream wraps outbound tracks. Either track may be nil (receive-only
// negotiation). stop, if non-nil, releases the underlying capture devices
// and runs exactly once.
func NewStream(audio, video *webrtc.TrackLocalStaticSample, stop func(), logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		audioTrack: audio,
		videoTrack: video,
		stop:       stop,
		closeCh:    make(chan struct{}),
		logger:     logger,
	}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	return s
}

// AudioTrack returns the outbound audio track, or nil.
func (s *Stream) AudioTrack() *webrtc.TrackLocalStaticSample { return s.audioTrack }

// VideoTrack returns the outbound video track, or nil.
func (s *Stream) VideoTrack() *webrtc.TrackLocalStaticSample { return s.videoTrack }

// ToggleAudio flips the microphone gate. Returns the new muted state
// (true = muted). Pure local state, no renegotiation.
func (s *Stream) ToggleAudio() bool {
	muted := s.audioOn.Load()
	s.audioOn.Store(!muted)
	s.logger.Info("audio toggled", "muted", muted)
	return muted
}

// ToggleVideo flips the camera gate. Returns the new disabled state
// (true = camera off).
func (s *Stream) ToggleVideo() bool {
	off := s.videoOn.Load()
	s.videoOn.Store(!off)
	s.logger.Info("video toggled", "off", off)
	return off
}

// AudioEnabled reports whether the microphone gate is open.
func (s *Stream) AudioEnabled() bool { return s.audioOn.Load() }

// VideoEnabled reports whether the camera gate is open.
func (s *Stream) VideoEnabled() bool { return s.videoOn.Load() }

// sampleReader abstracts an encoded capture source feeding one track.
type sampleReader func() (pionmedia.Sample, error)

// pump copies samples from a capture reader into a track until the stream
// closes. Samples read while the gate is shut are dropped, which keeps the
// capture pipeline draining and the track alive but silent/blank.
func (s *Stream) pump(read sampleReader, track *webrtc.TrackLocalStaticSample, gate *atomic.Bool, kind string) {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		sample, err := read()
		if err != nil {
			if !s.isClosed() {
				s.logger.Warn("capture read failed, stopping pump", "kind", kind, "error", err)
			}
			return
		}

		if !gate.Load() {
			continue
		}

		if err := track.WriteSample(sample); err != nil {
			s.logger.Debug("track write failed", "kind", kind, "error", err)
		}
	}
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Close stops capture and releases devices. Idempotent; the underlying
// tracks are stopped exactly once.
func (s *Stream) Close() {
	s.stopOnce.Do(func() {
		close(s.closeCh)
		if s.stop != nil {
			s.stop()
		}
		s.wg.Wait()
		s.logger.Info("local media stopped")
	})
}
