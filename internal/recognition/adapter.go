package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnavailable reports that the platform has no speech recognition.
var ErrUnavailable = errors.New("speech recognition unavailable")

// Result is one recognition hypothesis. Only final results leave the adapter.
type Result struct {
	Text  string
	Final bool
}

// Source is the platform recognition capability. Listen runs one
// recognition session, calling emit for every hypothesis, and returns when
// the platform ends it: nil for a natural end such as a silence timeout, an
// error otherwise. It must return promptly once ctx is cancelled.
type Source interface {
	Listen(ctx context.Context, emit func(Result)) error
}

// Adapter turns a Source into the continuous start/stop capture the turn
// controller needs. It restarts the source while started and never after
// Stop.
type Adapter struct {
	source       Source
	restartDelay time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// NewAdapter wraps source. A nil source yields an adapter whose Start
// reports ErrUnavailable.
func NewAdapter(source Source, restartDelay time.Duration, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		source:       source,
		restartDelay: restartDelay,
		log:          log.With(slog.String("component", "recognition")),
	}
}

// Available reports whether a platform source is present.
func (a *Adapter) Available() bool {
	return a.source != nil
}

// Start begins continuous capture. onFinal is invoked once per finalized
// utterance from the adapter's goroutine. Starting a running adapter is a
// no-op.
func (a *Adapter) Start(onFinal func(string)) error {
	if a.source == nil {
		return ErrUnavailable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	a.gen++
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.loop(ctx, a.gen, onFinal)
	a.log.Debug("recognition started")
	return nil
}

// Stop ends capture. It does not wait for the source to wind down; results
// the source still emits are discarded.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.gen++
	a.cancel()
	a.cancel = nil
	a.log.Debug("recognition stopped")
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen && a.cancel != nil
}

func (a *Adapter) loop(ctx context.Context, gen uint64, onFinal func(string)) {
	emit := func(r Result) {
		if !r.Final || !a.current(gen) {
			return
		}
		onFinal(r.Text)
	}
	for {
		if !a.current(gen) {
			return
		}
		err := a.source.Listen(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrUnavailable):
			a.log.Warn("recognition source unavailable; capture disabled", slogError(err))
			a.mu.Lock()
			if a.gen == gen && a.cancel != nil {
				a.cancel()
				a.cancel = nil
			}
			a.mu.Unlock()
			return
		case err != nil:
			a.log.Warn("recognition session failed; restarting", slogError(err))
		default:
			a.log.Debug("recognition session ended by platform; restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.restartDelay):
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
