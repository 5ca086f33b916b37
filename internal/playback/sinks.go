package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecSink pipes encoded audio into an external player's stdin.
type ExecSink struct {
	cmd []string
}

func NewExecSink(command string) (*ExecSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &ExecSink{cmd: args}, nil
}

func (s *ExecSink) Play(ctx context.Context, src io.Reader) error {
	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	cmd.Stdin = src
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player exited: %w", err)
	}
	return nil
}

// FileSink writes each played source to its own file under Dir.
type FileSink struct {
	Dir string
	log *slog.Logger
}

func NewFileSink(dir string, log *slog.Logger) *FileSink {
	if log == nil {
		log = slog.Default()
	}
	return &FileSink{Dir: dir, log: log.With(slog.String("component", "playback.file"))}
}

func (s *FileSink) Play(ctx context.Context, src io.Reader) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create playback dir: %w", err)
	}
	path := filepath.Join(s.Dir, uuid.NewString()+".mp3")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create playback file: %w", err)
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write playback file: %w", err)
	}
	s.log.Info("reply audio written", slog.String("path", path), slog.Int64("bytes", n))
	return nil
}

// DiscardSink consumes audio without output.
type DiscardSink struct{}

func (DiscardSink) Play(ctx context.Context, src io.Reader) error {
	_, err := io.Copy(io.Discard, contextReader{ctx: ctx, r: src})
	return err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// NewSinkFromConfig builds the sink selected by cfg.Sink.
func NewSinkFromConfig(cfg config.PlaybackConfig, log *slog.Logger) (Sink, error) {
	switch cfg.Sink {
	case "exec":
		return NewExecSink(cfg.Command)
	case "file":
		return NewFileSink(cfg.Directory, log), nil
	case "discard":
		return DiscardSink{}, nil
	default:
		return nil, fmt.Errorf("unsupported playback sink %q", cfg.Sink)
	}
}
