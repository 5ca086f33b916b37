package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/recognition"
)

// DefaultTimeout bounds a single gateway exchange.
const DefaultTimeout = 30 * time.Second

// ErrGatewayTimeout is reported when a reply did not arrive within the
// configured ceiling.
var ErrGatewayTimeout = errors.New("response gateway timed out")

// Options wires a Controller.
type Options struct {
	Recognizer   Recognizer
	Player       Player
	Gateway      Gateway
	Observer     Observer
	Logger       *slog.Logger
	Selection    catalog.Selection
	SystemPrompt string
	Timeout      time.Duration
	StartupCue   []byte
}

type (
	startEvent      struct{}
	transcriptEvent struct{ text string }
	selectEvent     struct{ sel catalog.Selection }
	replyEvent      struct {
		seq   uint64
		reply protocol.ChatReply
		err   error
	}
	playbackEvent struct {
		seq uint64
		err error
	}
)

// Controller owns one session's turn-taking. All transitions happen on the
// goroutine running Run; adapters and callers only enqueue events.
type Controller struct {
	rec     Recognizer
	player  Player
	gateway Gateway
	obs     Observer
	log     *slog.Logger
	timeout time.Duration
	cue     []byte

	events chan any
	done   chan struct{}

	mu        sync.RWMutex
	state     State
	history   []protocol.Message
	selection catalog.Selection

	// Owned by the Run goroutine.
	reqSeq     uint64
	playSeq    uint64
	cancelReq  context.CancelFunc
	recWarned  bool
	runStarted atomic.Bool
}

func New(opts Options) (*Controller, error) {
	if opts.Recognizer == nil || opts.Player == nil || opts.Gateway == nil {
		return nil, errors.New("turn controller needs a recognizer, a player and a gateway")
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c := &Controller{
		rec:       opts.Recognizer,
		player:    opts.Player,
		gateway:   opts.Gateway,
		obs:       opts.Observer,
		log:       opts.Logger.With(slog.String("component", "turn")),
		timeout:   opts.Timeout,
		cue:       opts.StartupCue,
		events:    make(chan any, 16),
		done:      make(chan struct{}),
		selection: opts.Selection,
	}
	if prompt := strings.TrimSpace(opts.SystemPrompt); prompt != "" {
		c.history = []protocol.Message{{Role: protocol.RoleSystem, Content: prompt}}
	}
	return c, nil
}

// Run processes events until ctx is cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.runStarted.CompareAndSwap(false, true) {
		return errors.New("turn controller already running")
	}
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start is the user's explicit start action. Only the first call counts.
func (c *Controller) Start() {
	c.post(startEvent{})
}

// Select changes the model used from the next request on.
func (c *Controller) Select(sel catalog.Selection) {
	c.post(selectEvent{sel: sel})
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// History returns a copy of the conversation so far.
func (c *Controller) History() []protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.Message(nil), c.history...)
}

// Selection returns the model the next request will use.
func (c *Controller) Selection() catalog.Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selection
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) onTranscript(text string) {
	c.post(transcriptEvent{text: text})
}

func (c *Controller) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case startEvent:
		c.handleStart()
	case transcriptEvent:
		c.handleTranscript(ctx, ev.text)
	case selectEvent:
		c.mu.Lock()
		c.selection = ev.sel
		c.mu.Unlock()
		c.log.Info("model selection changed", slog.String("selection", ev.sel.String()))
	case replyEvent:
		c.handleReply(ctx, ev)
	case playbackEvent:
		c.handlePlaybackDone(ev)
	}
}

func (c *Controller) handleStart() {
	if c.State() != Idle {
		return
	}
	c.setState(Listening)
	if cp, ok := c.player.(CuePlayer); ok && len(c.cue) > 0 {
		cp.PlayCue(c.cue)
	}
	c.startRecognition()
}

func (c *Controller) handleTranscript(ctx context.Context, raw string) {
	if state := c.State(); state != Listening {
		c.log.Debug("dropping transcript outside listening", slog.String("state", state.String()))
		return
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return
	}

	c.rec.Stop()
	c.mu.Lock()
	c.history = append(c.history, protocol.Message{Role: protocol.RoleUser, Content: text})
	history := append([]protocol.Message(nil), c.history...)
	sel := c.selection
	c.mu.Unlock()
	c.setState(Pending)

	c.reqSeq++
	seq := c.reqSeq
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	c.cancelReq = cancel
	c.log.Info("sending turn", slog.Uint64("turn", seq), slog.String("selection", sel.String()), slog.Int("messages", len(history)))

	go func() {
		defer cancel()
		result := make(chan replyEvent, 1)
		go func() {
			reply, err := c.gateway.Send(reqCtx, history, sel)
			result <- replyEvent{seq: seq, reply: reply, err: err}
		}()
		var ev replyEvent
		select {
		case ev = <-result:
		case <-reqCtx.Done():
			ev = replyEvent{seq: seq, err: reqCtx.Err()}
		}
		if ev.err != nil && errors.Is(ev.err, context.DeadlineExceeded) {
			ev.err = fmt.Errorf("%w after %s", ErrGatewayTimeout, c.timeout)
		}
		c.post(ev)
	}()
}

func (c *Controller) handleReply(ctx context.Context, ev replyEvent) {
	if ev.seq != c.reqSeq || c.State() != Pending {
		return
	}
	if c.cancelReq != nil {
		c.cancelReq()
		c.cancelReq = nil
	}

	if ev.err != nil {
		c.log.Warn("turn failed", slog.Uint64("turn", ev.seq), slogError(ev.err))
		c.mu.Lock()
		if n := len(c.history); n > 0 && c.history[n-1].Role == protocol.RoleUser {
			c.history = c.history[:n-1]
		}
		c.mu.Unlock()
		c.obs.Error(ev.err)
		c.setState(Listening)
		c.startRecognition()
		return
	}

	c.mu.Lock()
	c.history = append(c.history, protocol.Message{Role: protocol.RoleAssistant, Content: ev.reply.Text})
	c.mu.Unlock()
	c.setState(Speaking)
	c.obs.Caption(ev.reply.Text)

	c.playSeq++
	seq := c.playSeq
	c.player.Play(ctx, bytes.NewReader(ev.reply.Audio), func(err error) {
		go c.post(playbackEvent{seq: seq, err: err})
	})
}

func (c *Controller) handlePlaybackDone(ev playbackEvent) {
	if ev.seq != c.playSeq || c.State() != Speaking {
		return
	}
	if ev.err != nil {
		c.log.Warn("playback did not complete", slogError(ev.err))
	}
	c.obs.Caption("")
	c.setState(Listening)
	c.startRecognition()
}

func (c *Controller) startRecognition() {
	err := c.rec.Start(c.onTranscript)
	if err == nil {
		return
	}
	if errors.Is(err, recognition.ErrUnavailable) {
		if !c.recWarned {
			c.recWarned = true
			c.log.Warn("speech recognition unavailable; transcripts will not arrive")
			c.obs.Error(err)
		}
		return
	}
	c.log.Error("failed to start recognition", slogError(err))
	c.obs.Error(err)
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.log.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	c.obs.StateChanged(from, to)
}

func (c *Controller) shutdown() {
	c.rec.Stop()
	if c.cancelReq != nil {
		c.cancelReq()
		c.cancelReq = nil
	}
	if s, ok := c.player.(interface{ Stop() }); ok {
		s.Stop()
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
