package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

// ErrEmptyAudio is returned when synthesis finished without producing bytes.
var ErrEmptyAudio = errors.New("tts produced no audio")

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	Model     string
}

// SynthChunk carries a slice of encoded audio, mp3 unless Format says otherwise.
type SynthChunk struct {
	SessionID string
	Sequence  int
	Audio     []byte
	Format    string
	Final     bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewFromConfig builds the synthesizer selected by cfg.Mode.
func NewFromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(), nil
	case "elevenlabs":
		return NewElevenLabsClient(cfg.Endpoint, cfg.APIKey, cfg.Model, cfg.OutputFormat), nil
	case "exec":
		return NewExecSynth(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Drain consumes a synthesis stream into one buffer, handing every chunk to
// each first when it is non-nil. A non-nil error from each aborts the drain.
func Drain(chunks <-chan SynthChunk, errs <-chan error, each func(SynthChunk) error) ([]byte, error) {
	var buf bytes.Buffer
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if each != nil {
				if err := each(chunk); err != nil {
					return buf.Bytes(), err
				}
			}
			buf.Write(chunk.Audio)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return buf.Bytes(), err
			}
		}
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyAudio
	}
	return buf.Bytes(), nil
}
