package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/recognition"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = time.Millisecond

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecognizer struct {
	mu      sync.Mutex
	running bool
	onFinal func(string)
	starts  int
	stops   int
	err     error
}

func (r *fakeRecognizer) Start(onFinal func(string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.err != nil {
		return r.err
	}
	r.running = true
	r.onFinal = onFinal
	return nil
}

func (r *fakeRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.running = false
}

// say emits a final transcript if capture is running.
func (r *fakeRecognizer) say(text string) bool {
	r.mu.Lock()
	fn, running := r.onFinal, r.running
	r.mu.Unlock()
	if !running || fn == nil {
		return false
	}
	fn(text)
	return true
}

// late emits a transcript even though capture was stopped, as a platform
// recognizer can while it winds down.
func (r *fakeRecognizer) late(text string) {
	r.mu.Lock()
	fn := r.onFinal
	r.mu.Unlock()
	fn(text)
}

func (r *fakeRecognizer) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type fakePlayer struct {
	mu    sync.Mutex
	dones []func(error)
	audio [][]byte
	cues  int
	// auto finishes every play with this error immediately when set.
	auto    bool
	autoErr error
}

func (p *fakePlayer) Play(ctx context.Context, src io.Reader, done func(error)) {
	b, _ := io.ReadAll(src)
	p.mu.Lock()
	p.audio = append(p.audio, b)
	p.dones = append(p.dones, done)
	auto, autoErr := p.auto, p.autoErr
	p.mu.Unlock()
	if auto {
		done(autoErr)
	}
}

func (p *fakePlayer) PlayCue([]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cues++
}

func (p *fakePlayer) finish(err error) {
	p.mu.Lock()
	done := p.dones[len(p.dones)-1]
	p.mu.Unlock()
	done(err)
}

func (p *fakePlayer) plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.audio)
}

type sendCall struct {
	history []protocol.Message
	sel     catalog.Selection
}

type fakeGateway struct {
	mu       sync.Mutex
	calls    []sendCall
	inFlight atomic.Int32
	peak     atomic.Int32
	respond  func(ctx context.Context, history []protocol.Message, sel catalog.Selection) (protocol.ChatReply, error)
}

func (g *fakeGateway) Send(ctx context.Context, history []protocol.Message, sel catalog.Selection) (protocol.ChatReply, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.mu.Lock()
	g.calls = append(g.calls, sendCall{history: history, sel: sel})
	respond := g.respond
	g.mu.Unlock()
	if respond == nil {
		return protocol.ChatReply{Text: "ok", Audio: []byte{0xFF, 0xFB}}, nil
	}
	return respond(ctx, history, sel)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) call(i int) sendCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

type recordingObserver struct {
	mu       sync.Mutex
	states   []State
	captions []string
	errs     []error
}

func (o *recordingObserver) StateChanged(_, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

func (o *recordingObserver) Caption(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.captions = append(o.captions, text)
}

func (o *recordingObserver) Error(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) errCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errs)
}

type harness struct {
	ctrl *Controller
	rec  *fakeRecognizer
	play *fakePlayer
	gw   *fakeGateway
	obs  *recordingObserver
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		rec:  &fakeRecognizer{},
		play: &fakePlayer{},
		gw:   &fakeGateway{},
		obs:  &recordingObserver{},
	}
	opts := Options{
		Recognizer: h.rec,
		Player:     h.play,
		Gateway:    h.gw,
		Observer:   h.obs,
		Logger:     discardLogger(),
		Selection:  catalog.Selection{ProviderID: "openai", ModelID: "gpt-4o"},
		StartupCue: playback.StartupChime,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})
	return h
}

func (h *harness) inState(s State) func() bool {
	return func() bool { return h.ctrl.State() == s }
}

func (h *harness) started(t *testing.T) {
	t.Helper()
	h.ctrl.Start()
	require.Eventually(t, h.inState(Listening), wait, tick)
	require.Eventually(t, h.rec.isRunning, wait, tick)
}

func TestStartsIdle(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, Idle, h.ctrl.State())
	require.False(t, h.rec.isRunning())
	require.Empty(t, h.ctrl.History())
}

func TestStartPlaysCueAndListens(t *testing.T) {
	h := newHarness(t, nil)
	h.started(t)
	h.play.mu.Lock()
	cues := h.play.cues
	h.play.mu.Unlock()
	require.Equal(t, 1, cues)

	h.ctrl.Start()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, h.rec.startCount(), "second start must be ignored")
}

func TestLilyConversation(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.gw.respond = func(ctx context.Context, history []protocol.Message, sel catalog.Selection) (protocol.ChatReply, error) {
		<-release
		return protocol.ChatReply{Text: "Nice to meet you, Lily! What's one exciting thing you want to achieve today?", Audio: []byte{1, 2, 3}}, nil
	}
	h.started(t)

	require.True(t, h.rec.say("My name is Lily."))
	require.Eventually(t, h.inState(Pending), wait, tick)
	require.False(t, h.rec.isRunning(), "microphone must be off while pending")
	require.Eventually(t, func() bool { return h.gw.callCount() == 1 }, wait, tick)
	call := h.gw.call(0)
	require.Equal(t, []protocol.Message{{Role: protocol.RoleUser, Content: "My name is Lily."}}, call.history)
	require.Equal(t, catalog.Selection{ProviderID: "openai", ModelID: "gpt-4o"}, call.sel)

	close(release)
	require.Eventually(t, h.inState(Speaking), wait, tick)
	require.False(t, h.rec.isRunning(), "microphone must be off while speaking")
	require.Eventually(t, func() bool { return h.play.plays() == 1 }, wait, tick)

	h.play.finish(nil)
	require.Eventually(t, h.inState(Listening), wait, tick)
	require.Eventually(t, h.rec.isRunning, wait, tick)

	history := h.ctrl.History()
	require.Len(t, history, 2)
	require.Equal(t, protocol.RoleAssistant, history[1].Role)
	require.Contains(t, history[1].Content, "Lily")

	h.obs.mu.Lock()
	require.Equal(t, []State{Listening, Pending, Speaking, Listening}, h.obs.states)
	require.Equal(t, []string{history[1].Content, ""}, h.obs.captions)
	h.obs.mu.Unlock()
}

func TestGatewayFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.respond = func(context.Context, []protocol.Message, catalog.Selection) (protocol.ChatReply, error) {
		return protocol.ChatReply{}, errors.New("network unreachable")
	}
	h.started(t)

	require.True(t, h.rec.say("I want to build a tower."))
	require.Eventually(t, func() bool { return h.obs.errCount() == 1 }, wait, tick)
	require.Eventually(t, h.inState(Listening), wait, tick)
	require.Eventually(t, h.rec.isRunning, wait, tick)
	require.Empty(t, h.ctrl.History(), "failed turn must leave no messages")
	require.Equal(t, 1, h.gw.callCount(), "failed request must not be retried")
	require.Equal(t, 0, h.play.plays())
}

func TestGatewayTimeoutRecoversEvenIfGatewayHangs(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	h := newHarness(t, func(o *Options) { o.Timeout = 30 * time.Millisecond })
	h.gw.respond = func(context.Context, []protocol.Message, catalog.Selection) (protocol.ChatReply, error) {
		<-hang
		return protocol.ChatReply{}, nil
	}
	h.started(t)

	require.True(t, h.rec.say("hello"))
	require.Eventually(t, h.inState(Pending), wait, tick)
	require.Eventually(t, h.inState(Listening), wait, tick)
	require.Eventually(t, func() bool { return h.obs.errCount() == 1 }, wait, tick)
	h.obs.mu.Lock()
	require.ErrorIs(t, h.obs.errs[0], ErrGatewayTimeout)
	h.obs.mu.Unlock()
}

func TestEmptyTranscriptsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.started(t)

	require.True(t, h.rec.say(""))
	require.True(t, h.rec.say("   \t"))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Listening, h.ctrl.State())
	require.True(t, h.rec.isRunning())
	require.Equal(t, 0, h.gw.callCount())
	require.Empty(t, h.ctrl.History())
}

func TestTranscriptsOutsideListeningAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.gw.respond = func(context.Context, []protocol.Message, catalog.Selection) (protocol.ChatReply, error) {
		<-release
		return protocol.ChatReply{Text: "reply", Audio: []byte{1}}, nil
	}

	h.rec.onFinal = h.ctrl.onTranscript
	h.rec.late("before start")
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, Idle, h.ctrl.State())

	h.started(t)
	require.True(t, h.rec.say("first"))
	require.Eventually(t, h.inState(Pending), wait, tick)
	h.rec.late("racing the stop")
	close(release)
	require.Eventually(t, h.inState(Speaking), wait, tick)
	h.rec.late("while speaking")
	h.play.finish(nil)
	require.Eventually(t, h.inState(Listening), wait, tick)
	time.Sleep(10 * time.Millisecond)

	require.Equal(t, 1, h.gw.callCount())
	require.Len(t, h.ctrl.History(), 2)
	require.Equal(t, Listening, h.ctrl.State(), "dropped transcripts must not be queued for the next turn")
}

func TestNoConcurrentRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.play.auto = true
	h.gw.respond = func(context.Context, []protocol.Message, catalog.Selection) (protocol.ChatReply, error) {
		time.Sleep(5 * time.Millisecond)
		return protocol.ChatReply{Text: "ok", Audio: []byte{1}}, nil
	}
	h.rec.onFinal = h.ctrl.onTranscript
	h.started(t)

	for i := 0; i < 5; i++ {
		require.Eventually(t, func() bool { return h.rec.say("turn") }, wait, tick)
		for j := 0; j < 3; j++ {
			h.rec.late("burst")
		}
		require.Eventually(t, func() bool { return h.gw.callCount() == i+1 }, wait, tick)
		require.Eventually(t, h.inState(Listening), wait, tick)
	}
	require.Equal(t, int32(1), h.gw.peak.Load())

	history := h.ctrl.History()
	for i, m := range history {
		want := protocol.RoleUser
		if i%2 == 1 {
			want = protocol.RoleAssistant
		}
		require.Equal(t, want, m.Role, "message %d breaks alternation", i)
	}
}

func TestPlaybackFailureEquivalentToNaturalEnd(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"natural_end", nil},
		{"autoplay_blocked", errors.New("NotAllowedError")},
		{"no_sink", playback.ErrNoSink},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.play.auto = true
			h.play.autoErr = tc.err
			h.started(t)

			require.True(t, h.rec.say("hello"))
			require.Eventually(t, func() bool { return h.play.plays() == 1 }, wait, tick)
			require.Eventually(t, h.inState(Listening), wait, tick)
			require.Eventually(t, h.rec.isRunning, wait, tick)
			require.Len(t, h.ctrl.History(), 2)
			require.Equal(t, 0, h.obs.errCount(), "playback problems are not surfaced as errors")
		})
	}
}

func TestSelectionAppliesToNextRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.play.auto = true
	h.started(t)

	require.True(t, h.rec.say("one"))
	require.Eventually(t, func() bool { return h.gw.callCount() == 1 }, wait, tick)
	require.Eventually(t, h.inState(Listening), wait, tick)

	gemini := catalog.Selection{ProviderID: "google", ModelID: "gemini-2.0-flash"}
	h.ctrl.Select(gemini)
	require.Eventually(t, func() bool { return h.ctrl.Selection() == gemini }, wait, tick)

	require.Eventually(t, func() bool { return h.rec.say("two") }, wait, tick)
	require.Eventually(t, func() bool { return h.gw.callCount() == 2 }, wait, tick)
	require.Equal(t, gemini, h.gw.call(1).sel)
	require.Len(t, h.gw.call(1).history, 3, "full history is re-sent on every turn")
}

func TestSystemPromptSeedsHistory(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SystemPrompt = "You are Coach Sparky." })
	h.play.auto = true
	h.started(t)

	require.True(t, h.rec.say("hi"))
	require.Eventually(t, func() bool { return h.gw.callCount() == 1 }, wait, tick)
	history := h.gw.call(0).history
	require.Len(t, history, 2)
	require.Equal(t, protocol.RoleSystem, history[0].Role)
}

func TestEmptyReplyTextStillAppendsAssistant(t *testing.T) {
	h := newHarness(t, nil)
	h.play.auto = true
	h.gw.respond = func(context.Context, []protocol.Message, catalog.Selection) (protocol.ChatReply, error) {
		return protocol.ChatReply{Audio: []byte{0xFF, 0xFB}}, nil
	}
	h.started(t)

	require.True(t, h.rec.say("hi"))
	require.Eventually(t, func() bool { return len(h.ctrl.History()) == 2 }, wait, tick)
	require.Equal(t, protocol.Message{Role: protocol.RoleAssistant}, h.ctrl.History()[1])
}

func TestRecognitionUnavailableDegradesSoftly(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.err = recognition.ErrUnavailable
	h.ctrl.Start()
	require.Eventually(t, h.inState(Listening), wait, tick)
	require.Eventually(t, func() bool { return h.obs.errCount() == 1 }, wait, tick)
	h.obs.mu.Lock()
	require.ErrorIs(t, h.obs.errs[0], recognition.ErrUnavailable)
	h.obs.mu.Unlock()
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Player: &fakePlayer{}, Gateway: &fakeGateway{}})
	require.Error(t, err)
}

func TestWithRealAdapters(t *testing.T) {
	push := recognition.NewPushSource(0)
	rec := recognition.NewAdapter(push, time.Millisecond, discardLogger())
	player := playback.NewAdapter(playback.DiscardSink{}, discardLogger())
	gw := &fakeGateway{}
	ctrl, err := New(Options{Recognizer: rec, Player: player, Gateway: gw, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ctrl.Run(ctx) }()

	ctrl.Start()
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return ctrl.State() == Listening && push.Push("hello") }, wait, tick)
		require.Eventually(t, func() bool { return gw.callCount() == i+1 }, wait, tick)
	}
	require.Eventually(t, func() bool { return len(ctrl.History()) == 6 }, wait, tick)
	require.Equal(t, int32(1), gw.peak.Load())
}

func TestRunOnlyOnce(t *testing.T) {
	ctrl, err := New(Options{Recognizer: &fakeRecognizer{}, Player: &fakePlayer{}, Gateway: &fakeGateway{}, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { results <- ctrl.Run(ctx) }()
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.Error(t, err)
		case <-time.After(wait):
			t.Fatal("duplicate Run did not return")
		}
	}
	cancel()
	require.NoError(t, <-results)
	<-ctrl.Done()
}
