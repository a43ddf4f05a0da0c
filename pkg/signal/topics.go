package signal

// Topic names are derived from the session ID alone so both participants
// arrive at the same names independently; there is no discovery handshake.

// SignalTopic returns the relay topic carrying offer/answer/ICE envelopes.
func SignalTopic(sessionID string) string {
	return "call/" + sessionID + "/signal"
}

// ChatTopic returns the relay topic carrying chat messages.
func ChatTopic(sessionID string) string {
	return "call/" + sessionID + "/chat"
}
