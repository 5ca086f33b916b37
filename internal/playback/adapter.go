package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrNoSink reports that no audio output is configured.
	ErrNoSink = errors.New("no playback sink configured")
	// ErrNoSource reports a Play call without audio.
	ErrNoSource = errors.New("no audio source")
)

// Sink is the platform audio output. Play blocks until src has been played
// or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, src io.Reader) error
}

// Adapter plays one reply at a time and guarantees exactly one completion
// notification per Play call, whatever happens to the audio.
type Adapter struct {
	sink Sink
	log  *slog.Logger

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewAdapter plays through sink. Without a sink every Play fails with
// ErrNoSink.
func NewAdapter(sink Sink, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{sink: sink, log: log.With(slog.String("component", "playback"))}
}

// Play starts playing src and returns immediately. done is called exactly
// once when playback ends, naturally or not; a nil error means the audio
// played to the end. Starting a new source cancels the previous one.
func (a *Adapter) Play(ctx context.Context, src io.Reader, done func(error)) {
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			if done != nil {
				done(err)
			}
		})
	}
	if a.sink == nil {
		finish(ErrNoSink)
		return
	}
	if src == nil {
		finish(ErrNoSource)
		return
	}

	playCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.seq++
	id := a.seq
	a.cancel = cancel
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			if a.seq == id {
				a.cancel = nil
			}
			a.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("playback sink panicked", slog.Any("panic", r))
				finish(fmt.Errorf("playback panic: %v", r))
			}
		}()
		err := a.sink.Play(playCtx, src)
		if err == nil && playCtx.Err() != nil {
			err = playCtx.Err()
		}
		if err != nil {
			a.log.Warn("playback ended with error", slogError(err))
		}
		finish(err)
	}()
}

// PlayCue plays data without occupying the reply slot and without waiting
// for it. Failures are logged only.
func (a *Adapter) PlayCue(data []byte) {
	if a.sink == nil || len(data) == 0 {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Warn("cue playback panicked", slog.Any("panic", r))
			}
		}()
		if err := a.sink.Play(context.Background(), bytes.NewReader(data)); err != nil {
			a.log.Debug("cue playback failed", slogError(err))
		}
	}()
}

// Stop cancels the active source, if any. Its completion still fires.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
