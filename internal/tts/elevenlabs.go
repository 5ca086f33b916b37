package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultElevenLabsModel  = "eleven_multilingual_v2"
	defaultElevenLabsFormat = "mp3_44100_128"
)

// ElevenLabsClient streams mp3 speech from the ElevenLabs HTTP streaming
// endpoint. Chunks are forwarded as they arrive off the wire.
type ElevenLabsClient struct {
	HTTPClient   *http.Client
	Endpoint     string
	APIKey       string
	Model        string
	OutputFormat string
}

func NewElevenLabsClient(endpoint, apiKey, model, outputFormat string) *ElevenLabsClient {
	if model == "" {
		model = defaultElevenLabsModel
	}
	if outputFormat == "" {
		outputFormat = defaultElevenLabsFormat
	}
	return &ElevenLabsClient{
		HTTPClient:   &http.Client{Timeout: 0},
		Endpoint:     strings.TrimRight(endpoint, "/"),
		APIKey:       apiKey,
		Model:        model,
		OutputFormat: outputFormat,
	}
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

func (e *ElevenLabsClient) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *ElevenLabsClient) stream(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	if e.APIKey == "" || req.Voice == "" {
		return fmt.Errorf("elevenlabs: api key or voice id missing")
	}
	model := req.Model
	if model == "" {
		model = e.Model
	}

	u, err := url.Parse(e.Endpoint + "/v1/text-to-speech/" + url.PathEscape(req.Voice) + "/stream")
	if err != nil {
		return fmt.Errorf("elevenlabs endpoint: %w", err)
	}
	q := u.Query()
	q.Set("output_format", e.OutputFormat)
	u.RawQuery = q.Encode()

	body, err := json.Marshal(elevenLabsRequest{
		Text:          req.Text,
		ModelID:       model,
		VoiceSettings: elevenLabsVoiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("xi-api-key", e.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	buf := make([]byte, 16*1024)
	sequence := 0
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			select {
			case chunks <- SynthChunk{SessionID: req.SessionID, Sequence: sequence, Audio: out, Format: "mp3"}:
			case <-ctx.Done():
				return ctx.Err()
			}
			sequence++
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}
