package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// ErrMalformedResponse reports a 2xx reply the client cannot use.
var ErrMalformedResponse = errors.New("malformed gateway response")

// StatusError is a non-2xx reply from the gateway.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Code)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Code, e.Message)
}

// Gateway posts the conversation to a response gateway over HTTP.
type Gateway struct {
	HTTPClient *http.Client
	URL        string
	SessionID  string
}

func New(url, sessionID string, timeout time.Duration) *Gateway {
	return &Gateway{
		HTTPClient: &http.Client{Timeout: timeout},
		URL:        url,
		SessionID:  sessionID,
	}
}

// NewFromConfig builds a gateway client for one session.
func NewFromConfig(cfg config.ClientConfig, sessionID string) *Gateway {
	return New(cfg.GatewayURL, sessionID, time.Duration(cfg.RequestTimeoutMS)*time.Millisecond)
}

// Send posts history with sel and returns the reply. Text is empty when the
// gateway streams bare audio.
func (g *Gateway) Send(ctx context.Context, history []protocol.Message, sel catalog.Selection) (protocol.ChatReply, error) {
	body, err := json.Marshal(protocol.ChatRequest{
		Model:    sel.ModelID,
		Provider: sel.ProviderID,
		Messages: history,
	})
	if err != nil {
		return protocol.ChatReply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return protocol.ChatReply{}, err
	}
	req.Header.Set("Content-Type", protocol.ContentTypeJSON)
	req.Header.Set("Accept", protocol.ContentTypeMPEG+", "+protocol.ContentTypeJSON)
	if g.SessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, g.SessionID)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return protocol.ChatReply{}, fmt.Errorf("post to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return protocol.ChatReply{}, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return protocol.ChatReply{}, fmt.Errorf("%w: content type %q", ErrMalformedResponse, resp.Header.Get("Content-Type"))
	}
	var reply protocol.ChatReply
	switch mediaType {
	case protocol.ContentTypeMPEG:
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return protocol.ChatReply{}, fmt.Errorf("read gateway audio: %w", err)
		}
		reply.Audio = audio
	case protocol.ContentTypeJSON:
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return protocol.ChatReply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	default:
		return protocol.ChatReply{}, fmt.Errorf("%w: content type %q", ErrMalformedResponse, mediaType)
	}
	if len(reply.Audio) == 0 {
		return protocol.ChatReply{}, fmt.Errorf("%w: no audio", ErrMalformedResponse)
	}
	return reply, nil
}

// Models fetches the catalog and default selection served next to the chat
// endpoint.
func (g *Gateway) Models(ctx context.Context) (catalog.Listing, error) {
	url := strings.TrimSuffix(g.URL, "/chat") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return catalog.Listing{}, err
	}
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return catalog.Listing{}, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return catalog.Listing{}, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	var out catalog.Listing
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return catalog.Listing{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}
