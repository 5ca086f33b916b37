package gateway

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// Recorder receives the outcome of every gateway exchange.
type Recorder interface {
	RecordTurn(ctx context.Context, evt protocol.TurnEvent) error
}

// Recorders fans one event out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordTurn(ctx context.Context, evt protocol.TurnEvent) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordTurn(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BusRecorder publishes turn outcomes on NATS.
type BusRecorder struct {
	Client *bus.Client
}

func (b BusRecorder) RecordTurn(_ context.Context, evt protocol.TurnEvent) error {
	if b.Client == nil {
		return nil
	}
	subject := protocol.SubjectTurnCompleted
	if evt.Outcome != outcomeOK {
		subject = protocol.SubjectTurnFailed
	}
	return b.Client.PublishJSON(subject, evt)
}
