package turn

import (
	"context"
	"io"

	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// State is the turn-taking phase of a session.
type State int

const (
	// Idle is the state before the user started the session.
	Idle State = iota
	// Listening means the microphone is live and no request is in flight.
	Listening
	// Pending means one request is in flight and the microphone is off.
	Pending
	// Speaking means the assistant reply is playing and the microphone is off.
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Pending:
		return "pending"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Recognizer is the speech capture the controller switches on and off.
type Recognizer interface {
	Start(onFinal func(string)) error
	Stop()
}

// Player plays reply audio and reports its end exactly once through done.
type Player interface {
	Play(ctx context.Context, src io.Reader, done func(error))
}

// CuePlayer plays short fire-and-forget sounds. Players that implement it
// get the startup cue.
type CuePlayer interface {
	PlayCue(data []byte)
}

// Gateway turns the conversation so far into a spoken reply.
type Gateway interface {
	Send(ctx context.Context, history []protocol.Message, sel catalog.Selection) (protocol.ChatReply, error)
}

// Observer is told about everything a user interface would show.
type Observer interface {
	StateChanged(from, to State)
	// Caption carries the assistant text while speaking; empty clears it.
	Caption(text string)
	// Error reports a transient, non-fatal problem.
	Error(err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) Caption(string)            {}
func (nopObserver) Error(error)               {}
