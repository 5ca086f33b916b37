package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// errBusDisconnected is transient: the adapter retries until the
// connection is back.
var errBusDisconnected = errors.New("bus connection not healthy")

// BusSource listens for transcripts published on NATS by an external speech
// recognition service.
type BusSource struct {
	client      *bus.Client
	sessionID   string
	language    string
	idleTimeout time.Duration
	log         *slog.Logger
}

func NewBusSource(client *bus.Client, sessionID, language string, idleTimeout time.Duration, log *slog.Logger) *BusSource {
	if log == nil {
		log = slog.Default()
	}
	return &BusSource{
		client:      client,
		sessionID:   sessionID,
		language:    language,
		idleTimeout: idleTimeout,
		log:         log.With(slog.String("component", "recognition.bus")),
	}
}

func (b *BusSource) Listen(ctx context.Context, emit func(Result)) error {
	if b.client == nil {
		return ErrUnavailable
	}
	if !b.client.Healthy() {
		return errBusDisconnected
	}
	conn := b.client.Conn()
	msgs := make(chan *nats.Msg, 64)
	subFinal, err := conn.ChanSubscribe(protocol.SubjectTranscriptFinal, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTranscriptFinal, err)
	}
	defer subFinal.Unsubscribe()
	subPartial, err := conn.ChanSubscribe(protocol.SubjectTranscriptPartial, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTranscriptPartial, err)
	}
	defer subPartial.Unsubscribe()

	if err := b.client.PublishJSON(protocol.SubjectListenStart, protocol.ListenRequest{
		SessionID: b.sessionID,
		Language:  b.language,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("announce listen: %w", err)
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if b.idleTimeout > 0 {
		timer = time.NewTimer(b.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
			return nil
		case msg := <-msgs:
			var t protocol.Transcript
			if err := json.Unmarshal(msg.Data, &t); err != nil {
				b.log.Warn("discarding malformed transcript", slogError(err))
				continue
			}
			if t.SessionID != "" && t.SessionID != b.sessionID {
				continue
			}
			emit(Result{Text: t.Text, Final: msg.Subject == protocol.SubjectTranscriptFinal && !t.Partial})
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.idleTimeout)
			}
		}
	}
}
