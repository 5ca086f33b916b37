package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/client"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/recognition"
	"github.com/loqalabs/loqa-voicechat/internal/turn"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envPath     string
		provider    string
		model       string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voicechat.yaml", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Path to dotenv file")
	flag.StringVar(&provider, "provider", "", "Provider to start with (defaults to the persona's)")
	flag.StringVar(&model, "model", "", "Model to start with (defaults to the persona's)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath, envPath, provider, model); err != nil {
		fmt.Fprintln(os.Stderr, "voicechat:", err)
		os.Exit(1)
	}
}

func run(configPath, envPath, provider, model string) error {
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	logger = logger.With(slog.String("session_id", sessionID))

	cat := catalog.Default()
	fallback := catalog.Selection{ProviderID: cfg.Persona.DefaultProvider, ModelID: cfg.Persona.DefaultModel}
	selection := fallback
	if provider != "" || model != "" {
		selection, _ = cat.Resolve(provider, model, fallback)
	}

	rc := cfg.Client.Recognition
	var (
		source recognition.Source
		push   *recognition.PushSource
	)
	switch rc.Source {
	case "stdin":
		push = recognition.NewPushSource(time.Duration(rc.IdleTimeoutMS) * time.Millisecond)
		source = push
	case "bus":
		busClient, err := bus.Connect(ctx, cfg.Bus, logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		defer busClient.Close()
		source = recognition.NewBusSource(busClient, sessionID, rc.Language, time.Duration(rc.IdleTimeoutMS)*time.Millisecond, logger)
	}
	recognizer := recognition.NewAdapter(source, time.Duration(rc.RestartDelayMS)*time.Millisecond, logger)

	sink, err := playback.NewSinkFromConfig(cfg.Client.Playback, logger)
	if err != nil {
		return err
	}
	player := playback.NewAdapter(sink, logger)
	gw := client.NewFromConfig(cfg.Client, sessionID)

	systemPrompt := ""
	if cfg.Client.SendSystemPrompt {
		systemPrompt = cfg.Persona.SystemPrompt
	}
	ui := newConsole(os.Stdout)
	ctrl, err := turn.New(turn.Options{
		Recognizer:   recognizer,
		Player:       player,
		Gateway:      gw,
		Observer:     ui,
		Logger:       logger,
		Selection:    selection,
		SystemPrompt: systemPrompt,
		Timeout:      time.Duration(cfg.Client.RequestTimeoutMS) * time.Millisecond,
		StartupCue:   playback.StartupChime,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = ctrl.Run(ctx) }()

	ui.banner(selection, rc.Source)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-ctrl.Done()
			return nil
		case line, ok := <-lines:
			if !ok {
				cancel()
				continue
			}
			if quit := handleLine(ctx, line, ctrl, cat, gw, push, ui); quit {
				cancel()
			}
		}
	}
}

// handleLine runs one line of console input. While idle, any line that is
// not a command is the start action.
func handleLine(ctx context.Context, line string, ctrl *turn.Controller, cat *catalog.Catalog, gw *client.Gateway, push *recognition.PushSource, out *console) bool {
	text := strings.TrimSpace(line)
	if ctrl.State() == turn.Idle && !strings.HasPrefix(text, "/") {
		ctrl.Start()
		return false
	}
	switch {
	case text == "/quit" || text == "/exit":
		return true
	case text == "/models":
		listing, err := gw.Models(ctx)
		if err != nil {
			out.Error(fmt.Errorf("fetch models from gateway: %w", err))
			listing = cat.Listing(ctrl.Selection())
		}
		out.models(listing, ctrl.Selection())
	case strings.HasPrefix(text, "/model "):
		sel, err := cat.Parse(strings.TrimPrefix(text, "/model "))
		if err != nil {
			out.Error(err)
			return false
		}
		ctrl.Select(sel)
		out.selected(sel)
	case strings.HasPrefix(text, "/"):
		out.Error(fmt.Errorf("unknown command %q", text))
	default:
		if push == nil {
			out.Error(fmt.Errorf("typed input is only accepted with the stdin recognition source"))
			return false
		}
		if !push.Push(text) {
			out.notListening(ctrl.State())
		}
	}
	return false
}
