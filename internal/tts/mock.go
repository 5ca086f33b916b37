package tts

import (
	"context"
	"time"
)

// mockFrame is an MPEG-1 Layer III frame header followed by silence; enough
// for players and tests to treat the output as mp3.
var mockFrame = append([]byte{0xFF, 0xFB, 0x90, 0x64}, make([]byte, 413)...)

type mockSynth struct{}

func NewMockSynth() Synthesizer {
	return &mockSynth{}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}
		audio := make([]byte, len(mockFrame))
		copy(audio, mockFrame)
		chunks <- SynthChunk{
			SessionID: req.SessionID,
			Sequence:  0,
			Audio:     audio,
			Format:    "mp3",
			Final:     true,
		}
	}()
	return chunks, errs
}
