package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/eventstore"
	"github.com/loqalabs/loqa-voicechat/internal/gateway"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/tts"
)

// Runtime hosts the response gateway and its supporting services.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	ready       atomic.Bool
	wg          sync.WaitGroup
	addr        chan string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		addr:   make(chan string, 1),
	}
}

// Addr reports the listening address once the HTTP server is bound.
func (r *Runtime) Addr() <-chan string {
	return r.addr
}

func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer func() {
		if cerr := r.close(); cerr != nil {
			r.logger.Error("runtime cleanup error", slogError(cerr))
		}
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunRetention(ctx, time.Hour)
	}()

	handler, err := r.buildGateway()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	handler.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.addr <- ln.Addr().String()
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("persona", r.cfg.Persona.Name),
		slog.String("encoding", r.cfg.Persona.ResponseEncoding),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) buildGateway() (*gateway.Handler, error) {
	cat := catalog.Default()
	ids := make([]string, 0, 2)
	for _, p := range cat.Providers() {
		ids = append(ids, p.ID)
	}
	pool, err := llm.NewPoolFromConfig(r.cfg.LLM, ids, r.cfg.Persona.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("build llm backends: %w", err)
	}
	synth, err := tts.NewFromConfig(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("build tts backend: %w", err)
	}

	recorders := gateway.Recorders{r.store}
	if r.bus != nil {
		recorders = append(recorders, gateway.BusRecorder{Client: r.bus})
	}

	svc, err := gateway.NewService(gateway.Options{
		Catalog:    cat,
		Generators: pool,
		Synth:      synth,
		Persona:    r.cfg.Persona,
		LLM:        r.cfg.LLM,
		TTS:        r.cfg.TTS,
		Timeout:    time.Duration(r.cfg.Gateway.TimeoutMS) * time.Millisecond,
		Recorder:   recorders,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, err
	}
	return gateway.NewHandler(svc, r.cfg.Gateway, r.cfg.Persona.ResponseEncoding, r.logger), nil
}

func (r *Runtime) close() error {
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
