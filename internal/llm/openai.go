package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
}

type chatCompletionsRequest struct {
	Model       string             `json:"model"`
	Messages    []protocol.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	FinishReason string           `json:"finish_reason"`
	Message      protocol.Message `json:"message"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

func NewOpenAIClient(endpoint, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		HTTPClient: &http.Client{Timeout: 25 * time.Second},
		Endpoint:   strings.TrimRight(endpoint, "/"),
		APIKey:     apiKey,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if c.APIKey == "" {
		return fmt.Errorf("openai api key missing")
	}

	messages := conversation(req.Messages)
	if req.System != "" {
		messages = append([]protocol.Message{{Role: protocol.RoleSystem, Content: req.System}}, messages...)
	}
	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("openai error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("decode openai response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return fmt.Errorf("openai: empty choices")
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          strings.TrimSpace(cr.Choices[0].Message.Content),
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
