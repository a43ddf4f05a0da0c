package carehub

// StartSessionResponse is returned when a session is started (or joined:
// the backend handles a repeat start idempotently for the second peer).
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// ParticipantRef identifies one appointment participant.
type ParticipantRef struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// AppointmentRef ties a session back to its appointment and participants.
type AppointmentRef struct {
	ID       string         `json:"id"`
	Provider ParticipantRef `json:"doctor"`
	Client   ParticipantRef `json:"patient"`
}

// SessionDetails describes one session as seen by the backend.
type SessionDetails struct {
	ID          string         `json:"id"`
	Appointment AppointmentRef `json:"appointment"`
	Status      string         `json:"status"`
	StartedAt   string         `json:"startedAt"`
	EndedAt     string         `json:"endedAt"`
	Summary     string         `json:"summary"`
}

// Summary is the optional end-of-session payload the provider submits.
type Summary struct {
	Notes     string `json:"notes,omitempty"`
	AISummary string `json:"aiSummary,omitempty"`
	Reviewed  bool   `json:"reviewed,omitempty"`
}

// ChatMessage is one persisted chat transcript entry.
type ChatMessage struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	SenderRole string `json:"senderRole"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

// Sentiment is a single sentiment score from the analysis collaborator.
type Sentiment struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// ChatAnalysisResult is the analysis collaborator's verdict on a session's
// chat transcript. The analysis itself runs backend-side.
type ChatAnalysisResult struct {
	SessionID string    `json:"sessionId"`
	Overall   Sentiment `json:"overallSentiment"`
	Keywords  []string  `json:"keywords"`
}

// SessionSummary is a generated summary from the analysis collaborator.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"createdAt"`
}
