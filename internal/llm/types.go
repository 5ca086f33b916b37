package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// ErrEmptyCompletion is returned when a backend produced no text.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Request describes a chat completion over the running history.
type Request struct {
	SessionID   string
	Model       string
	System      string
	Messages    []protocol.Message
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Collect runs g to completion and returns the assembled reply text.
func Collect(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// conversation drops system entries and empty turns; backends get the
// system prompt separately.
func conversation(messages []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == protocol.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// lastUserText returns the content of the latest user message.
func lastUserText(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
