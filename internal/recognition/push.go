package recognition

import (
	"context"
	"sync"
	"time"
)

// PushSource is a Source fed by another component, such as lines typed on
// stdin. Results pushed while no session is listening are dropped.
type PushSource struct {
	idleTimeout time.Duration

	mu        sync.Mutex
	listeners []chan Result
}

// NewPushSource returns a push source. A positive idleTimeout ends each
// session after that long without input, the way platform recognizers end on
// silence.
func NewPushSource(idleTimeout time.Duration) *PushSource {
	return &PushSource{idleTimeout: idleTimeout}
}

// Push delivers text as a final result. It reports whether a listening
// session took it.
func (p *PushSource) Push(text string) bool {
	return p.PushResult(Result{Text: text, Final: true})
}

// PushResult delivers r to the newest listening session, if any.
func (p *PushSource) PushResult(r Result) bool {
	ch := p.current()
	if ch == nil {
		return false
	}
	select {
	case ch <- r:
		return true
	default:
		return false
	}
}

// Listening reports whether a session is active.
func (p *PushSource) Listening() bool {
	return p.current() != nil
}

func (p *PushSource) current() chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.listeners); n > 0 {
		return p.listeners[n-1]
	}
	return nil
}

// Listen registers a session until ctx ends. Overlapping sessions stack: the
// newest receives input and an older one leaving never unregisters it.
func (p *PushSource) Listen(ctx context.Context, emit func(Result)) error {
	if ctx.Err() != nil {
		return nil
	}
	ch := make(chan Result, 8)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()
	defer p.remove(ch)

	var idle <-chan time.Time
	var timer *time.Timer
	if p.idleTimeout > 0 {
		timer = time.NewTimer(p.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
			return nil
		case r := <-ch:
			emit(r)
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.idleTimeout)
			}
		}
	}
}

func (p *PushSource) remove(ch chan Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.listeners {
		if l == ch {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}
