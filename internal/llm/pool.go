package llm

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

// Pool routes provider ids to generators, falling back to one default
// provider for ids it does not know.
type Pool struct {
	generators map[string]Generator
	fallback   string
}

func NewPool(fallback string) *Pool {
	return &Pool{generators: make(map[string]Generator), fallback: strings.ToLower(fallback)}
}

// Register binds a provider id to a generator.
func (p *Pool) Register(providerID string, g Generator) {
	p.generators[strings.ToLower(providerID)] = g
}

// Get returns the generator for providerID and the provider id actually
// used, which differs from the request when the fallback applied.
func (p *Pool) Get(providerID string) (Generator, string, error) {
	id := strings.ToLower(strings.TrimSpace(providerID))
	if g, ok := p.generators[id]; ok {
		return g, id, nil
	}
	if g, ok := p.generators[p.fallback]; ok {
		return g, p.fallback, nil
	}
	return nil, "", fmt.Errorf("no generator for provider %q and fallback %q unavailable", providerID, p.fallback)
}

// NewPoolFromConfig wires backends for the configured mode. In hosted mode
// each vendor gets its own client; the local modes serve every provider id
// from a single backend.
func NewPoolFromConfig(cfg config.LLMConfig, providerIDs []string, fallback string) (*Pool, error) {
	pool := NewPool(fallback)
	var shared Generator
	switch cfg.Mode {
	case "mock":
		shared = NewMockGenerator()
	case "ollama":
		shared = NewOllamaGenerator(cfg.Endpoint, cfg.OllamaModel)
	case "exec":
		g, err := NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, err
		}
		shared = g
	case "hosted":
		if cfg.OpenAI.Endpoint != "" {
			pool.Register("openai", NewOpenAIClient(cfg.OpenAI.Endpoint, cfg.OpenAI.APIKey))
		}
		if cfg.Google.Endpoint != "" {
			pool.Register("google", NewGeminiClient(cfg.Google.Endpoint, cfg.Google.APIKey))
		}
		if _, _, err := pool.Get(fallback); err != nil {
			return nil, err
		}
		return pool, nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
	for _, id := range providerIDs {
		pool.Register(id, shared)
	}
	pool.Register(fallback, shared)
	return pool, nil
}
