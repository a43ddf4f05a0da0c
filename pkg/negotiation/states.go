package negotiation

// Role fixes which side creates the first offer. Exactly one participant is
// the initiator; the role comes from an external attribute (care provider vs
// client) known before negotiation starts, never negotiated over the wire.
// This is what rules out offer glare.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the negotiation lifecycle. It mirrors the peer connection's own
// signaling states plus the local bookkeeping around them.
type State int32

const (
	StateIdle State = iota
	StateLocalMediaReady
	StateConnecting
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalMediaReady:
		return "local_media_ready"
	case StateConnecting:
		return "connecting"
	case StateHaveLocalOffer:
		return "have_local_offer"
	case StateHaveRemoteOffer:
		return "have_remote_offer"
	case StateStable:
		return "stable"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
