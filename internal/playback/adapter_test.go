package playback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkFunc func(ctx context.Context, src io.Reader) error

func (f sinkFunc) Play(ctx context.Context, src io.Reader) error { return f(ctx, src) }

type doneRecorder struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (d *doneRecorder) done(err error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *doneRecorder) lastErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func TestPlayNaturalEndNotifiesOnce(t *testing.T) {
	var played bytes.Buffer
	a := NewAdapter(sinkFunc(func(ctx context.Context, src io.Reader) error {
		_, err := io.Copy(&played, src)
		return err
	}), discardLogger())

	var rec doneRecorder
	a.Play(context.Background(), bytes.NewReader([]byte("mp3")), rec.done)
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), rec.calls.Load())
	require.NoError(t, rec.lastErr())
	require.Equal(t, "mp3", played.String())
}

func TestPlayStartFailureNotifies(t *testing.T) {
	blocked := errors.New("autoplay blocked")
	a := NewAdapter(sinkFunc(func(ctx context.Context, src io.Reader) error { return blocked }), discardLogger())
	var rec doneRecorder
	a.Play(context.Background(), bytes.NewReader(nil), rec.done)
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.ErrorIs(t, rec.lastErr(), blocked)
}

func TestPlayPanicNotifies(t *testing.T) {
	a := NewAdapter(sinkFunc(func(ctx context.Context, src io.Reader) error { panic("device gone") }), discardLogger())
	var rec doneRecorder
	a.Play(context.Background(), bytes.NewReader(nil), rec.done)
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Error(t, rec.lastErr())
}

func TestPlayWithoutSink(t *testing.T) {
	var rec doneRecorder
	NewAdapter(nil, discardLogger()).Play(context.Background(), bytes.NewReader(nil), rec.done)
	require.Equal(t, int32(1), rec.calls.Load())
	require.ErrorIs(t, rec.lastErr(), ErrNoSink)

	var rec2 doneRecorder
	NewAdapter(DiscardSink{}, discardLogger()).Play(context.Background(), nil, rec2.done)
	require.ErrorIs(t, rec2.lastErr(), ErrNoSource)
}

func TestNewSourceCancelsPrevious(t *testing.T) {
	var active atomic.Int32
	var peak atomic.Int32
	sink := sinkFunc(func(ctx context.Context, src io.Reader) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-ctx.Done()
		return ctx.Err()
	})
	a := NewAdapter(sink, discardLogger())

	var first, second doneRecorder
	a.Play(context.Background(), bytes.NewReader(nil), first.done)
	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, time.Millisecond)
	a.Play(context.Background(), bytes.NewReader(nil), second.done)

	require.Eventually(t, func() bool { return first.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.ErrorIs(t, first.lastErr(), context.Canceled)

	a.Stop()
	require.Eventually(t, func() bool { return second.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, int32(0), active.Load())
}

func TestPlayCueDoesNotNotify(t *testing.T) {
	played := make(chan []byte, 1)
	a := NewAdapter(sinkFunc(func(ctx context.Context, src io.Reader) error {
		b, _ := io.ReadAll(src)
		played <- b
		return nil
	}), discardLogger())
	a.PlayCue(StartupChime)
	select {
	case b := <-played:
		require.Equal(t, StartupChime, b)
	case <-time.After(time.Second):
		t.Fatal("cue not played")
	}
}

func TestStartupChimeIsMP3(t *testing.T) {
	require.Greater(t, len(StartupChime), 128)
	require.Equal(t, "ID3", string(StartupChime[:3]))
}

func TestFileSinkWritesReply(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir, discardLogger())
	require.NoError(t, sink.Play(context.Background(), bytes.NewReader([]byte("audio"))))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExecSinkPipesStdin(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	sink, err := NewExecSink("cat")
	require.NoError(t, err)
	require.NoError(t, sink.Play(context.Background(), bytes.NewReader([]byte("audio"))))

	missing, err := NewExecSink("definitely-not-a-player-binary -q -")
	require.NoError(t, err)
	require.Error(t, missing.Play(context.Background(), bytes.NewReader(nil)))
}

func TestNewSinkFromConfig(t *testing.T) {
	s, err := NewSinkFromConfig(config.PlaybackConfig{Sink: "discard"}, discardLogger())
	require.NoError(t, err)
	require.IsType(t, DiscardSink{}, s)
	_, err = NewSinkFromConfig(config.PlaybackConfig{Sink: "exec"}, discardLogger())
	require.Error(t, err)
	_, err = NewSinkFromConfig(config.PlaybackConfig{Sink: "speaker"}, discardLogger())
	require.Error(t, err)
}
