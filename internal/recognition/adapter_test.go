package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sourceFunc func(ctx context.Context, emit func(Result)) error

func (f sourceFunc) Listen(ctx context.Context, emit func(Result)) error { return f(ctx, emit) }

type collector struct {
	mu    sync.Mutex
	texts []string
}

func (c *collector) add(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestAdapterUnavailable(t *testing.T) {
	a := NewAdapter(nil, time.Millisecond, discardLogger())
	require.False(t, a.Available())
	require.ErrorIs(t, a.Start(func(string) {}), ErrUnavailable)
	a.Stop()
}

func TestAdapterRestartsAfterPlatformEnd(t *testing.T) {
	var sessions atomic.Int32
	src := sourceFunc(func(ctx context.Context, emit func(Result)) error {
		sessions.Add(1)
		return nil
	})
	a := NewAdapter(src, 5*time.Millisecond, discardLogger())
	require.NoError(t, a.Start(func(string) {}))
	require.Eventually(t, func() bool { return sessions.Load() >= 3 }, time.Second, 5*time.Millisecond)

	a.Stop()
	time.Sleep(20 * time.Millisecond)
	after := sessions.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, sessions.Load(), "source restarted after Stop")
}

func TestAdapterRestartsAfterError(t *testing.T) {
	var sessions atomic.Int32
	src := sourceFunc(func(ctx context.Context, emit func(Result)) error {
		sessions.Add(1)
		return errors.New("audio device busy")
	})
	a := NewAdapter(src, time.Millisecond, discardLogger())
	require.NoError(t, a.Start(func(string) {}))
	defer a.Stop()
	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestAdapterStopsOnSourceUnavailable(t *testing.T) {
	var sessions atomic.Int32
	src := sourceFunc(func(ctx context.Context, emit func(Result)) error {
		sessions.Add(1)
		return ErrUnavailable
	})
	a := NewAdapter(src, time.Millisecond, discardLogger())
	require.NoError(t, a.Start(func(string) {}))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), sessions.Load())
	require.NoError(t, a.Start(func(string) {}), "adapter must be restartable after the source gave up")
	a.Stop()
}

func TestAdapterFiltersPartials(t *testing.T) {
	push := NewPushSource(0)
	a := NewAdapter(push, time.Millisecond, discardLogger())
	var got collector
	require.NoError(t, a.Start(got.add))
	defer a.Stop()
	require.Eventually(t, push.Listening, time.Second, time.Millisecond)

	require.True(t, push.PushResult(Result{Text: "my na", Final: false}))
	require.True(t, push.Push("My name is Lily."))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"My name is Lily."}, got.all())
}

func TestAdapterDropsAfterStop(t *testing.T) {
	push := NewPushSource(0)
	a := NewAdapter(push, time.Millisecond, discardLogger())
	var got collector
	require.NoError(t, a.Start(got.add))
	require.Eventually(t, push.Listening, time.Second, time.Millisecond)
	a.Stop()
	require.Eventually(t, func() bool { return !push.Listening() }, time.Second, time.Millisecond)

	require.False(t, push.Push("too late"))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, got.all())
}

func TestPushSourceIdleTimeoutRestarts(t *testing.T) {
	var sessions atomic.Int32
	push := NewPushSource(10 * time.Millisecond)
	src := sourceFunc(func(ctx context.Context, emit func(Result)) error {
		sessions.Add(1)
		return push.Listen(ctx, emit)
	})
	a := NewAdapter(src, time.Millisecond, discardLogger())
	var got collector
	require.NoError(t, a.Start(got.add))
	defer a.Stop()

	require.Eventually(t, func() bool { return sessions.Load() >= 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return push.Push("still here") }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, time.Millisecond)
}

func TestAdapterStopStartKeepsListening(t *testing.T) {
	src := NewPushSource(0)
	a := NewAdapter(src, time.Millisecond, discardLogger())
	var got collector
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Start(got.add))
		a.Stop()
		require.NoError(t, a.Start(got.add))
		require.Eventually(t, src.Listening, time.Second, time.Millisecond)
		// let the stopped session wind down before pushing
		time.Sleep(2 * time.Millisecond)
		require.True(t, src.Push("hello"), "iteration %d: push rejected while started", i)
		require.Eventually(t, func() bool { return len(got.all()) == i+1 }, time.Second, time.Millisecond)
		a.Stop()
	}
}

func TestPushSourceStackedSessions(t *testing.T) {
	src := NewPushSource(0)
	oldCtx, stopOld := context.WithCancel(context.Background())
	newCtx, stopNew := context.WithCancel(context.Background())
	defer stopNew()

	oldDone := make(chan struct{})
	go func() {
		defer close(oldDone)
		_ = src.Listen(oldCtx, func(Result) {})
	}()
	require.Eventually(t, src.Listening, time.Second, time.Millisecond)

	var got collector
	go func() { _ = src.Listen(newCtx, func(r Result) { got.add(r.Text) }) }()
	require.Eventually(t, func() bool { return src.Push("first") }, time.Second, time.Millisecond)

	stopOld()
	<-oldDone
	require.True(t, src.Listening())
	require.True(t, src.Push("second"))
	require.Eventually(t, func() bool { return len(got.all()) >= 2 }, time.Second, time.Millisecond)
}

func TestPushSourceCancelledBeforeListen(t *testing.T) {
	src := NewPushSource(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, src.Listen(ctx, func(Result) {}))
	require.False(t, src.Listening())
}

func TestBusSourceRetriesWhileDisconnected(t *testing.T) {
	log := discardLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	client.Close()

	source := NewBusSource(client, "s", "en-US", 0, log)
	err = source.Listen(context.Background(), func(Result) {})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnavailable)

	var sessions atomic.Int32
	a := NewAdapter(sourceFunc(func(ctx context.Context, emit func(Result)) error {
		sessions.Add(1)
		return source.Listen(ctx, emit)
	}), time.Millisecond, log)
	require.NoError(t, a.Start(func(string) {}))
	defer a.Stop()
	require.Eventually(t, func() bool { return sessions.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestBusSourceFiltersSession(t *testing.T) {
	log := discardLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	defer client.Close()

	announced := make(chan protocol.ListenRequest, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectListenStart, func(msg *nats.Msg) {
		var req protocol.ListenRequest
		if json.Unmarshal(msg.Data, &req) == nil {
			announced <- req
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	a := NewAdapter(NewBusSource(client, "session-a", "en-US", 0, log), time.Millisecond, log)
	var got collector
	require.NoError(t, a.Start(got.add))
	defer a.Stop()

	var req protocol.ListenRequest
	select {
	case req = <-announced:
	case <-time.After(2 * time.Second):
		t.Fatal("listen request not announced")
	}
	require.Equal(t, "session-a", req.SessionID)
	require.Equal(t, "en-US", req.Language)

	require.NoError(t, client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "session-b", Text: "not mine"}))
	require.NoError(t, client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.Transcript{SessionID: "session-a", Text: "hel", Partial: true}))
	require.NoError(t, client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "session-a", Text: "hello coach"}))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"hello coach"}, got.all())
}

func TestBusSourceWithoutClient(t *testing.T) {
	err := NewBusSource(nil, "s", "en-US", 0, discardLogger()).Listen(context.Background(), func(Result) {})
	require.ErrorIs(t, err, ErrUnavailable)
}
