package negotiation

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/carelink/callpeer/pkg/media"
	"github.com/carelink/callpeer/pkg/signal"
)

// The offer delay lets the responder finish subscribing before the
// initiator's offer hits the shared topic. A weak guarantee; a readiness
// announcement over the relay would be stronger.
const defaultOfferDelay = time.Second

// Transport is the slice of the relay the negotiator needs. Only the session
// lifecycle controller owns the connection itself.
type Transport interface {
	Subscribe(topic string, handler func(payload []byte))
	Unsubscribe(topic string)
	Publish(topic string, payload []byte)
}

// Config holds negotiator construction parameters. Identity and role are
// passed in explicitly; negotiation logic never reads ambient state.
type Config struct {
	SessionID  string
	LocalID    string
	Role       Role
	ICEServers []webrtc.ICEServer
	Transport  Transport
	Local      *media.Stream
	Remote     *media.Sink
	OfferDelay time.Duration
	// OnStateChange, if set, observes every state transition. Called from
	// whichever goroutine drove the transition.
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Negotiator drives one offer/answer exchange for a session. All signal
// handling runs off the relay's single read loop; peer-connection callbacks
// are serialized against it with the negotiator mutex, so each event is
// applied atomically.
type Negotiator struct {
	sessionID  string
	localID    string
	role       Role
	iceServers []webrtc.ICEServer
	transport  Transport
	local      *media.Stream
	remote     *media.Sink
	offerDelay time.Duration
	onState    func(State)
	logger     *slog.Logger

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	pending    []webrtc.ICECandidateInit
	offered    bool
	offerTimer *time.Timer

	state  atomic.Int32
	closed atomic.Bool
}

// New creates a negotiator. The local stream must already be acquired: the
// negotiator starts in LOCAL_MEDIA_READY.
func New(cfg Config) (*Negotiator, error) {
	if cfg.SessionID == "" || cfg.LocalID == "" {
		return nil, fmt.Errorf("session ID and local ID are required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("local stream and remote sink are required")
	}
	if cfg.OfferDelay <= 0 {
		cfg.OfferDelay = defaultOfferDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	n := &Negotiator{
		sessionID:  cfg.SessionID,
		localID:    cfg.LocalID,
		role:       cfg.Role,
		iceServers: cfg.ICEServers,
		transport:  cfg.Transport,
		local:      cfg.Local,
		remote:     cfg.Remote,
		offerDelay: cfg.OfferDelay,
		onState:    cfg.OnStateChange,
		logger: cfg.Logger.With(
			"sessionID", cfg.SessionID,
			"role", cfg.Role.String(),
		),
	}
	n.state.Store(int32(StateLocalMediaReady))
	return n, nil
}

// CreatePeerConnection builds the peer connection, attaches local tracks,
// registers the event sinks, and subscribes to the session's signal topic.
func (n *Negotiator) CreatePeerConnection() error {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}

	// Larger buffers avoid short-buffer read errors on busy video streams.
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: n.iceServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	tracks := 0
	if t := n.local.AudioTrack(); t != nil {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return fmt.Errorf("add audio track: %w", err)
		}
		tracks++
	}
	if t := n.local.VideoTrack(); t != nil {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return fmt.Errorf("add video track: %w", err)
		}
		tracks++
	}
	if tracks == 0 {
		// Receive-only: the SDP still needs m-lines with ICE credentials.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || n.closed.Load() {
			return
		}
		init := c.ToJSON()
		n.publish(signal.Envelope{Kind: signal.KindICE, Candidate: &init, SenderID: n.localID})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if n.closed.Load() {
			return
		}
		n.remote.HandleTrack(track, receiver)
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		if n.closed.Load() {
			return
		}
		n.logger.Info("peer connection state changed", "state", cs.String())
		switch cs {
		case webrtc.PeerConnectionStateConnected:
			n.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			n.setState(StateFailed)
		}
	})

	n.mu.Lock()
	n.pc = pc
	n.mu.Unlock()
	n.setState(StateConnecting)

	n.transport.Subscribe(signal.SignalTopic(n.sessionID), n.HandleSignal)
	n.logger.Info("peer connection created", "localTracks", tracks)
	return nil
}

// ScheduleOffer arms the initiator's delayed single offer. No-op for the
// responder; it only ever answers.
func (n *Negotiator) ScheduleOffer() {
	if n.role != RoleInitiator {
		n.logger.Debug("responder waiting for offer")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() || n.offerTimer != nil {
		return
	}
	n.offerTimer = time.AfterFunc(n.offerDelay, n.createOffer)
}

// createOffer generates and publishes the session's one offer.
func (n *Negotiator) createOffer() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed.Load() {
		return
	}
	if n.offered {
		// Not user-triggerable; a second offer is a logic error upstream.
		n.logger.Error("offer already created, ignoring")
		return
	}
	n.offered = true

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.logger.Error("failed to create offer", "error", err)
		n.setState(StateFailed)
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.logger.Error("failed to set local offer", "error", err)
		n.setState(StateFailed)
		return
	}

	n.setState(StateHaveLocalOffer)
	n.publish(signal.Envelope{Kind: signal.KindOffer, SDP: offer.SDP, SenderID: n.localID})
	n.logger.Info("offer sent")
}

// HandleSignal is the signal-topic subscription handler. Malformed payloads
// and protocol violations are absorbed here, never returned to callers.
func (n *Negotiator) HandleSignal(payload []byte) {
	if n.closed.Load() {
		return
	}

	env, err := signal.Decode(payload)
	if err != nil {
		n.logger.Warn("discarding malformed signal", "error", err)
		return
	}

	// The topic is shared by both participants and the relay may echo our
	// own messages back.
	if env.SenderID == n.localID {
		n.logger.Debug("ignoring own signal", "kind", string(env.Kind))
		return
	}

	switch env.Kind {
	case signal.KindOffer:
		n.handleOffer(env.SDP)
	case signal.KindAnswer:
		n.handleAnswer(env.SDP)
	case signal.KindICE:
		n.handleCandidate(*env.Candidate)
	}
}

// handleOffer applies a remote offer, flushes buffered candidates, and
// publishes the answer. Responder only.
func (n *Negotiator) handleOffer(sdp string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed.Load() {
		return
	}
	if n.role == RoleInitiator {
		// Role determinism makes a received offer on the initiator a
		// protocol violation, not glare to recover from.
		n.logger.Warn("protocol violation: initiator received offer, ignoring")
		return
	}
	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		// Duplicate redelivery: the signaling state is the source of truth.
		n.logger.Warn("offer in unexpected signaling state, ignoring",
			"signalingState", n.pc.SignalingState().String())
		return
	}
	if n.pc.RemoteDescription() != nil {
		// A session negotiates exactly once; after the exchange completes the
		// signaling state is stable again, so redelivery needs its own check.
		n.logger.Warn("duplicate offer after negotiation, ignoring")
		return
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		n.logger.Error("failed to set remote offer", "error", err)
		return
	}
	n.setState(StateHaveRemoteOffer)
	n.flushPendingLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.logger.Error("failed to create answer", "error", err)
		n.setState(StateFailed)
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.logger.Error("failed to set local answer", "error", err)
		n.setState(StateFailed)
		return
	}

	n.setState(StateStable)
	n.publish(signal.Envelope{Kind: signal.KindAnswer, SDP: answer.SDP, SenderID: n.localID})
	n.logger.Info("answer sent")
}

// handleAnswer applies a remote answer. Initiator only, and only while a
// local offer is outstanding; anything else is stale or duplicate.
func (n *Negotiator) handleAnswer(sdp string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed.Load() {
		return
	}
	if n.role == RoleResponder {
		n.logger.Warn("protocol violation: responder received answer, ignoring")
		return
	}
	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.logger.Warn("answer in unexpected signaling state, discarding",
			"signalingState", n.pc.SignalingState().String())
		return
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		n.logger.Error("failed to set remote answer", "error", err)
		return
	}

	n.setState(StateStable)
	n.flushPendingLocked()
	n.logger.Info("answer applied")
}

// handleCandidate applies a remote candidate, or buffers it until the remote
// description exists. Candidates routinely beat the SDP through the relay.
func (n *Negotiator) handleCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed.Load() {
		return
	}
	if n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, c)
		n.logger.Debug("buffered candidate before remote description", "buffered", len(n.pending))
		return
	}

	if err := n.pc.AddICECandidate(c); err != nil {
		n.logger.Debug("failed to add candidate", "error", err)
	}
}

// flushPendingLocked applies buffered candidates in arrival order and clears
// the buffer. Caller holds n.mu.
func (n *Negotiator) flushPendingLocked() {
	if len(n.pending) == 0 {
		return
	}
	n.logger.Info("flushing buffered candidates", "count", len(n.pending))
	for _, c := range n.pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Debug("failed to add buffered candidate", "error", err)
		}
	}
	n.pending = nil
}

func (n *Negotiator) publish(env signal.Envelope) {
	data, err := signal.Encode(env)
	if err != nil {
		n.logger.Error("failed to encode signal", "kind", string(env.Kind), "error", err)
		return
	}
	n.transport.Publish(signal.SignalTopic(n.sessionID), data)
}

func (n *Negotiator) setState(s State) {
	n.state.Store(int32(s))
	n.logger.Debug("negotiation state", "state", s.String())
	if n.onState != nil {
		n.onState(s)
	}
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	return State(n.state.Load())
}

// PendingCandidates reports how many remote candidates are buffered waiting
// for a remote description.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close stops local tracks, closes the peer connection, and unsubscribes
// from the signal topic. Idempotent; late async completions see the closed
// flag and no-op.
func (n *Negotiator) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}

	n.mu.Lock()
	if n.offerTimer != nil {
		n.offerTimer.Stop()
	}
	pc := n.pc
	n.pending = nil
	n.mu.Unlock()

	n.transport.Unsubscribe(signal.SignalTopic(n.sessionID))

	if pc != nil {
		if err := pc.Close(); err != nil {
			n.logger.Debug("peer connection close", "error", err)
		}
	}
	n.remote.Close()
	n.local.Close()

	n.setState(StateClosed)
	n.logger.Info("negotiation closed")
}
