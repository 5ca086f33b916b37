package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"golang.org/x/time/rate"
)

const (
	msgProcessing  = "Error processing your request"
	msgTimeout     = "Request timed out"
	msgRateLimited = "Too many requests"
)

// Handler exposes the service over HTTP.
type Handler struct {
	svc      *Service
	encoding string
	maxBody  int64
	limiter  *rate.Limiter
	log      *slog.Logger
}

func NewHandler(svc *Service, cfg config.GatewayConfig, encoding string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		svc:      svc,
		encoding: encoding,
		maxBody:  cfg.MaxBodyBytes,
		log:      log.With(slog.String("component", "gateway.http")),
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return h
}

// Register mounts the gateway routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/chat", h.recoverer(h.rateLimited(http.HandlerFunc(h.handleChat))))
	mux.Handle("GET /api/models", h.recoverer(http.HandlerFunc(h.handleModels)))
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get(protocol.HeaderSessionID)

	if h.encoding == config.EncodingMPEG {
		h.streamAudio(w, r, sessionID, req)
		return
	}

	reply, err := h.svc.Respond(r.Context(), sessionID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		h.log.Warn("failed to write reply", slogError(err))
	}
}

// streamAudio defers response headers until the first audio chunk so a
// failure before any audio still produces an error status. A failure after
// that aborts the connection so the client never sees a clean end of body.
func (h *Handler) streamAudio(w http.ResponseWriter, r *http.Request, sessionID string, req protocol.ChatRequest) {
	started := false
	flusher, _ := w.(http.Flusher)
	_, err := h.svc.Stream(r.Context(), sessionID, req, func(audio []byte) error {
		if len(audio) == 0 {
			return nil
		}
		if !started {
			w.Header().Set("Content-Type", protocol.ContentTypeMPEG)
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write(audio); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err == nil {
		return
	}
	if started {
		h.log.Warn("audio stream interrupted", slog.String("session_id", sessionID), slogError(err))
		panic(http.ErrAbortHandler)
	}
	h.writeError(w, err)
}

func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	if err := json.NewEncoder(w).Encode(h.svc.Catalog().Listing(h.svc.DefaultSelection())); err != nil {
		h.log.Warn("failed to write models", slogError(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrTimeout):
		http.Error(w, msgTimeout, http.StatusGatewayTimeout)
	default:
		http.Error(w, msgProcessing, http.StatusInternalServerError)
	}
}

func (h *Handler) rateLimited(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			http.Error(w, msgRateLimited, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.log.Error("handler panicked", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				http.Error(w, msgProcessing, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
