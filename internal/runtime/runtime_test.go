package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

func startRuntime(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	if mutate != nil {
		mutate(&cfg)
	}
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	select {
	case addr := <-rt.Addr():
		return "http://" + addr
	case err := <-errc:
		t.Fatalf("runtime failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not start")
	}
	return ""
}

func TestRuntimeServesChat(t *testing.T) {
	base := startRuntime(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
	}

	body := `{"model":"gpt-4o","provider":"OpenAI","messages":[{"role":"user","content":"My name is Lily."}]}`
	resp, err := http.Post(base+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, b)
	}
	var reply protocol.ChatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !strings.Contains(reply.Text, "My name is Lily.") || len(reply.Audio) == 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	metrics, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer metrics.Body.Close()
	b, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(b), "voicechat_gateway_requests") {
		t.Fatalf("gateway counter missing from metrics")
	}
}

func TestRuntimeWithEmbeddedBus(t *testing.T) {
	base := startRuntime(t, func(cfg *config.Config) {
		cfg.Bus.Enabled = true
		cfg.Bus.Embedded = true
		cfg.Bus.Port = -1
		cfg.Bus.StoreDir = ""
		cfg.Bus.ConnectTimeout = 2000
		cfg.EventStore.RetentionMode = "session"
		cfg.Persona.ResponseEncoding = config.EncodingMPEG
	})

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected readiness %d", resp.StatusCode)
	}

	body := `{"model":"gemini-2.0-flash","provider":"google","messages":[{"role":"user","content":"hi"}]}`
	chat, err := http.Post(base+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer chat.Body.Close()
	if chat.Header.Get("Content-Type") != protocol.ContentTypeMPEG {
		t.Fatalf("expected streamed mpeg, got %q", chat.Header.Get("Content-Type"))
	}
}
