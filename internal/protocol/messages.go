package protocol

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of the running conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body POSTed by a session to the response gateway.
// The full history is re-sent on every turn.
type ChatRequest struct {
	Model    string    `json:"model"`
	Provider string    `json:"provider"`
	Messages []Message `json:"messages"`
}

// ChatReply is the JSON response variant. Audio is carried as base64 on the
// wire by encoding/json.
type ChatReply struct {
	Text  string `json:"text"`
	Audio []byte `json:"audio"`
}

const (
	ContentTypeJSON = "application/json"
	ContentTypeMPEG = "audio/mpeg"
	ContentTypeText = "text/plain; charset=utf-8"

	HeaderSessionID = "X-Session-ID"
)

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ListenRequest announces that a session started listening.
type ListenRequest struct {
	SessionID string    `json:"session_id"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent summarises one gateway exchange. It never carries message content.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Encoding   string    `json:"encoding"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	TextChars  int       `json:"text_chars"`
	AudioBytes int       `json:"audio_bytes"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectListenStart       = "stt.listen.start"
	SubjectTurnCompleted     = "chat.turn.completed"
	SubjectTurnFailed        = "chat.turn.failed"
)
