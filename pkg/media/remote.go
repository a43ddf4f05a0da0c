package media

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"
)

// Sink receives remote tracks from the peer connection. It records that
// remote media has arrived and meters the remote audio level so callers can
// show a "remote active" indicator without touching RTP themselves.
type Sink struct {
	hasMedia atomic.Bool
	level    atomic.Uint32 // float32 bits, decoded audio peak EMA

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewSink creates an empty remote sink.
func NewSink(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		closeCh: make(chan struct{}),
		logger:  logger,
	}
}

// HandleTrack attaches a remote track to the sink. Any track flips HasMedia;
// Opus audio tracks additionally feed the level meter.
func (s *Sink) HandleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	codec := track.Codec()
	s.logger.Info("remote track received",
		"kind", track.Kind().String(),
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels,
	)

	s.hasMedia.Store(true)

	if track.Kind() != webrtc.RTPCodecTypeAudio || codec.MimeType != webrtc.MimeTypeOpus {
		return
	}

	channels := int(codec.Channels)
	if channels < 1 {
		channels = 2 // SDP convention declares opus/48000/2
	}

	s.wg.Add(1)
	go s.meterLoop(track, channels)
}

// meterLoop decodes remote Opus frames and tracks the peak level as a
// smoothed value in [0,1].
func (s *Sink) meterLoop(track *webrtc.TrackRemote, channels int) {
	defer s.wg.Done()

	dec, err := opus.NewDecoder(48000, channels)
	if err != nil {
		s.logger.Error("failed to create opus decoder", "error", err, "channels", channels)
		return
	}

	// Max 120ms at 48kHz per channel.
	pcm := make([]float32, 5760*channels)

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !s.isClosed() {
				s.logger.Debug("remote audio read ended", "error", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := dec.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			s.logger.Debug("opus decode error", "error", err, "payloadLen", len(pkt.Payload))
			continue
		}
		if n == 0 {
			continue
		}

		var peak float32
		for i := 0; i < n*channels; i++ {
			v := pcm[i]
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		if peak > 1 {
			peak = 1
		}

		// Smooth so brief transients do not flap the indicator.
		prev := math.Float32frombits(s.level.Load())
		s.level.Store(math.Float32bits(prev*0.8 + peak*0.2))
	}
}

func (s *Sink) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// HasMedia reports whether any remote track has arrived.
func (s *Sink) HasMedia() bool { return s.hasMedia.Load() }

// AudioLevel returns the smoothed remote audio peak in [0,1].
func (s *Sink) AudioLevel() float32 { return math.Float32frombits(s.level.Load()) }

// Close stops the meter loops. Idempotent.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.wg.Wait()
	})
}
