package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-voicechat/internal/gateway"

var (
	// ErrBadRequest marks requests the gateway refuses to process.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout marks requests that ran past the gateway ceiling.
	ErrTimeout = errors.New("gateway deadline exceeded")
)

const (
	outcomeOK         = "ok"
	outcomeBadRequest = "bad_request"
	outcomeTimeout    = "timeout"
	outcomeError      = "error"
)

// Generators resolves a provider id to a text-generation backend.
type Generators interface {
	Get(providerID string) (llm.Generator, string, error)
}

type Options struct {
	Catalog    *catalog.Catalog
	Generators Generators
	Synth      tts.Synthesizer
	Persona    config.PersonaConfig
	LLM        config.LLMConfig
	TTS        config.TTSConfig
	Timeout    time.Duration
	Recorder   Recorder
	Logger     *slog.Logger
}

// Service is the two-step response gateway: text generation, then speech
// synthesis, presented to callers as one exchange.
type Service struct {
	catalog    *catalog.Catalog
	generators Generators
	synth      tts.Synthesizer
	persona    config.PersonaConfig
	defaults   llm.Request
	voice      string
	voiceModel string
	timeout    time.Duration
	recorder   Recorder
	log        *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewService(opts Options) (*Service, error) {
	if opts.Catalog == nil || opts.Generators == nil || opts.Synth == nil {
		return nil, errors.New("gateway needs a catalog, generators and a synthesizer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = Recorders(nil)
	}

	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("voicechat.gateway.requests",
		metric.WithDescription("Response gateway requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	latency, err := meter.Float64Histogram("voicechat.gateway.latency",
		metric.WithDescription("Response gateway latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	return &Service{
		catalog:    opts.Catalog,
		generators: opts.Generators,
		synth:      opts.Synth,
		persona:    opts.Persona,
		defaults:   llm.OptionsFromConfig(opts.LLM),
		voice:      opts.TTS.Voice,
		voiceModel: opts.TTS.Model,
		timeout:    opts.Timeout,
		recorder:   opts.Recorder,
		log:        opts.Logger.With(slog.String("component", "gateway")),
		tracer:     otel.Tracer(instrumentationName),
		requests:   requests,
		latency:    latency,
	}, nil
}

// DefaultSelection is the persona's configured provider and model.
func (s *Service) DefaultSelection() catalog.Selection {
	return catalog.Selection{ProviderID: s.persona.DefaultProvider, ModelID: s.persona.DefaultModel}
}

// Catalog returns the model catalog the service resolves against.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Respond answers req with reply text and the complete synthesized audio.
func (s *Service) Respond(ctx context.Context, sessionID string, req protocol.ChatRequest) (protocol.ChatReply, error) {
	text, audio, err := s.run(ctx, config.EncodingJSON, sessionID, req, nil)
	if err != nil {
		return protocol.ChatReply{}, err
	}
	return protocol.ChatReply{Text: text, Audio: audio}, nil
}

// Stream answers req by handing synthesized audio to each as it arrives.
// Nothing is passed to each before text generation succeeded.
func (s *Service) Stream(ctx context.Context, sessionID string, req protocol.ChatRequest, each func([]byte) error) (string, error) {
	text, _, err := s.run(ctx, config.EncodingMPEG, sessionID, req, func(chunk tts.SynthChunk) error {
		return each(chunk.Audio)
	})
	return text, err
}

func (s *Service) run(ctx context.Context, encoding, sessionID string, req protocol.ChatRequest, each func(tts.SynthChunk) error) (string, []byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "gateway.respond", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("response.encoding", encoding),
	))
	defer span.End()

	traceID := uuid.NewString()
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	evt := protocol.TurnEvent{SessionID: sessionID, TraceID: traceID, Encoding: encoding, Timestamp: start.UTC()}

	text, audio, err := s.exchange(ctx, &evt, req, each)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, s.timeout, err)
	}

	evt.LatencyMS = time.Since(start).Milliseconds()
	evt.TextChars = len(text)
	evt.AudioBytes = len(audio)
	evt.Outcome = outcomeOf(err)
	if err != nil {
		evt.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, evt.Outcome)
		s.log.Warn("turn failed",
			slog.String("session_id", sessionID),
			slog.String("trace_id", traceID),
			slog.String("outcome", evt.Outcome),
			slogError(err))
	} else {
		s.log.Info("turn completed",
			slog.String("session_id", sessionID),
			slog.String("trace_id", traceID),
			slog.String("provider", evt.Provider),
			slog.String("model", evt.Model),
			slog.Int64("latency_ms", evt.LatencyMS),
			slog.Int("audio_bytes", evt.AudioBytes))
	}

	outcome := metric.WithAttributes(attribute.String("outcome", evt.Outcome), attribute.String("provider", evt.Provider))
	s.requests.Add(ctx, 1, outcome)
	s.latency.Record(ctx, float64(evt.LatencyMS), outcome)
	s.record(ctx, evt)

	if err != nil {
		return "", nil, err
	}
	return text, audio, nil
}

func (s *Service) exchange(ctx context.Context, evt *protocol.TurnEvent, req protocol.ChatRequest, each func(tts.SynthChunk) error) (string, []byte, error) {
	if err := validate(req); err != nil {
		return "", nil, err
	}

	sel, known := s.catalog.Resolve(req.Provider, req.Model, s.DefaultSelection())
	if !known {
		s.log.Info("unknown provider; using default",
			slog.String("requested", req.Provider),
			slog.String("provider", sel.ProviderID))
	}
	gen, providerID, err := s.generators.Get(sel.ProviderID)
	if err != nil {
		return "", nil, err
	}
	evt.Provider = providerID
	evt.Model = sel.ModelID

	llmReq := s.defaults
	llmReq.SessionID = evt.SessionID
	llmReq.TraceID = evt.TraceID
	llmReq.Model = sel.ModelID
	llmReq.System = s.systemPrompt(req.Messages)
	llmReq.Messages = req.Messages

	genCtx, genSpan := s.tracer.Start(ctx, "gateway.generate", trace.WithAttributes(
		attribute.String("llm.provider", providerID),
		attribute.String("llm.model", sel.ModelID),
	))
	text, err := llm.Collect(genCtx, gen, llmReq)
	if err != nil {
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, "generate failed")
	}
	genSpan.End()
	if err != nil {
		return "", nil, fmt.Errorf("generate reply: %w", err)
	}

	synthCtx, synthSpan := s.tracer.Start(ctx, "gateway.synthesize", trace.WithAttributes(
		attribute.String("tts.voice", s.voice),
		attribute.Int("tts.text_chars", len(text)),
	))
	defer synthSpan.End()
	chunks, errs := s.synth.Synthesize(synthCtx, tts.SynthRequest{
		SessionID: evt.SessionID,
		Text:      text,
		Voice:     s.voice,
		Model:     s.voiceModel,
	})
	audio, err := tts.Drain(chunks, errs, each)
	if err != nil {
		synthSpan.RecordError(err)
		synthSpan.SetStatus(codes.Error, "synthesize failed")
		return text, audio, fmt.Errorf("synthesize reply: %w", err)
	}
	return text, audio, nil
}

// systemPrompt prefers a leading system message sent by the session over the
// persona's prompt.
func (s *Service) systemPrompt(messages []protocol.Message) string {
	if len(messages) > 0 && messages[0].Role == protocol.RoleSystem {
		if prompt := strings.TrimSpace(messages[0].Content); prompt != "" {
			return prompt
		}
	}
	return s.persona.SystemPrompt
}

func (s *Service) record(ctx context.Context, evt protocol.TurnEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.recorder.RecordTurn(ctx, evt); err != nil {
		s.log.Warn("failed to record turn", slog.String("session_id", evt.SessionID), slogError(err))
	}
}

func validate(req protocol.ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrBadRequest)
	}
	hasUser := false
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrBadRequest, i, m.Role)
		}
		if m.Role == protocol.RoleUser && strings.TrimSpace(m.Content) != "" {
			hasUser = true
		}
	}
	if !hasUser {
		return fmt.Errorf("%w: no user message", ErrBadRequest)
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrBadRequest):
		return outcomeBadRequest
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	default:
		return outcomeError
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
