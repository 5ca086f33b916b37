package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EncodingJSON = "json"
	EncodingMPEG = "mpeg"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Persona     PersonaConfig    `yaml:"persona"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Client      ClientConfig     `yaml:"client"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PersonaConfig is the per-deployment variant of the assistant: what it is
// told, which model answers by default and how replies travel back.
type PersonaConfig struct {
	Name             string `yaml:"name"`
	SystemPrompt     string `yaml:"system_prompt"`
	DefaultProvider  string `yaml:"default_provider"`
	DefaultModel     string `yaml:"default_model"`
	ResponseEncoding string `yaml:"response_encoding"` // json, mpeg
}

type GatewayConfig struct {
	TimeoutMS      int     `yaml:"timeout_ms"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type ProviderEndpoint struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type LLMConfig struct {
	Mode        string           `yaml:"mode"` // mock, hosted, ollama, exec
	OpenAI      ProviderEndpoint `yaml:"openai"`
	Google      ProviderEndpoint `yaml:"google"`
	Endpoint    string           `yaml:"endpoint"`
	OllamaModel string           `yaml:"ollama_model"`
	Command     string           `yaml:"command"`
	MaxTokens   int              `yaml:"max_tokens"`
	Temperature float64          `yaml:"temperature"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, elevenlabs, exec
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	Command      string `yaml:"command"`
	Voice        string `yaml:"voice"`
	Model        string `yaml:"model"`
	OutputFormat string `yaml:"output_format"`
}

type ClientConfig struct {
	GatewayURL       string            `yaml:"gateway_url"`
	RequestTimeoutMS int               `yaml:"request_timeout_ms"`
	SendSystemPrompt bool              `yaml:"send_system_prompt"`
	Recognition      RecognitionConfig `yaml:"recognition"`
	Playback         PlaybackConfig    `yaml:"playback"`
}

type RecognitionConfig struct {
	Source         string `yaml:"source"` // stdin, bus, none
	Language       string `yaml:"language"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	RestartDelayMS int    `yaml:"restart_delay_ms"`
}

type PlaybackConfig struct {
	Sink      string `yaml:"sink"` // exec, file, discard
	Command   string `yaml:"command"`
	Directory string `yaml:"directory"`
}

const defaultSystemPrompt = `You are Coach Sparky, a friendly, patient, and encouraging voice coach for primary school students (ages 6-10).
Your main goal is to help them with daily goal and agenda setting.
Communicate using simple, concise, and positive language.
The first thing a user will tell you is their name, like "My name is [name]". Acknowledge their name and use it in your responses.
After they tell you their name, ask them about their main goal for the day. For example: "Nice to meet you, [name]! What's one exciting thing you want to achieve today?"
Guide them to set 1-2 simple goals. Ask questions like "What's a fun activity you plan to do?" or "Is there something new you want to learn today?".
Keep track of the conversation. Your responses will be converted to speech, so make them sound natural when spoken.
Do not use markdown or any special formatting in your responses.
If the user asks for help or seems unsure, provide gentle encouragement and simple suggestions.
End your responses naturally, without phrases like "Let me know if you need help."
Example interaction after name:
User: My name is Lily.
Coach Sparky: Hi Lily! It's great to meet you. What's one thing you're excited to do today?
User: I want to build a big tower with my blocks.
Coach Sparky: That sounds like a super fun goal, Lily! Building a tall tower will be awesome. Do you have another goal for today?`

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicechat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicechat-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Persona: PersonaConfig{
			Name:             "coach-sparky",
			SystemPrompt:     defaultSystemPrompt,
			DefaultProvider:  "openai",
			DefaultModel:     "gpt-4o",
			ResponseEncoding: EncodingJSON,
		},
		Gateway: GatewayConfig{
			TimeoutMS:      30000,
			MaxBodyBytes:   1 << 20,
			RateLimitRPS:   0,
			RateLimitBurst: 4,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			OpenAI:      ProviderEndpoint{Endpoint: "https://api.openai.com/v1"},
			Google:      ProviderEndpoint{Endpoint: "https://generativelanguage.googleapis.com/v1beta"},
			Endpoint:    "http://localhost:11434",
			OllamaModel: "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Endpoint:     "https://api.elevenlabs.io",
			Voice:        "JBFqnCBsd6RMkjVDRZzb",
			Model:        "eleven_multilingual_v2",
			OutputFormat: "mp3_44100_128",
		},
		Client: ClientConfig{
			GatewayURL:       "http://localhost:8080/api/chat",
			RequestTimeoutMS: 30000,
			Recognition: RecognitionConfig{
				Source:         "stdin",
				Language:       "en-US",
				IdleTimeoutMS:  0,
				RestartDelayMS: 250,
			},
			Playback: PlaybackConfig{
				Sink:      "exec",
				Command:   "mpg123 -q -",
				Directory: "./data/replies",
			},
		},
	}
}

// Level maps log_level to a slog level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set win. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Persona.Name, "LOQA_PERSONA_NAME")
	overrideString(&cfg.Persona.SystemPrompt, "LOQA_PERSONA_SYSTEM_PROMPT")
	overrideString(&cfg.Persona.DefaultProvider, "LOQA_PERSONA_DEFAULT_PROVIDER")
	overrideString(&cfg.Persona.DefaultModel, "LOQA_PERSONA_DEFAULT_MODEL")
	overrideString(&cfg.Persona.ResponseEncoding, "LOQA_PERSONA_RESPONSE_ENCODING")
	overrideInt(&cfg.Gateway.TimeoutMS, "LOQA_GATEWAY_TIMEOUT_MS")
	overrideInt64(&cfg.Gateway.MaxBodyBytes, "LOQA_GATEWAY_MAX_BODY_BYTES")
	overrideFloat(&cfg.Gateway.RateLimitRPS, "LOQA_GATEWAY_RATE_LIMIT_RPS")
	overrideInt(&cfg.Gateway.RateLimitBurst, "LOQA_GATEWAY_RATE_LIMIT_BURST")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.OpenAI.Endpoint, "LOQA_LLM_OPENAI_ENDPOINT")
	overrideString(&cfg.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.OpenAI.APIKey, "LOQA_LLM_OPENAI_API_KEY")
	overrideString(&cfg.LLM.Google.Endpoint, "LOQA_LLM_GOOGLE_ENDPOINT")
	overrideString(&cfg.LLM.Google.APIKey, "GOOGLE_GENERATIVE_AI_API_KEY")
	overrideString(&cfg.LLM.Google.APIKey, "LOQA_LLM_GOOGLE_API_KEY")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.OllamaModel, "LOQA_LLM_OLLAMA_MODEL")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.OutputFormat, "LOQA_TTS_OUTPUT_FORMAT")
	overrideString(&cfg.Client.GatewayURL, "LOQA_CLIENT_GATEWAY_URL")
	overrideInt(&cfg.Client.RequestTimeoutMS, "LOQA_CLIENT_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Client.SendSystemPrompt, "LOQA_CLIENT_SEND_SYSTEM_PROMPT")
	overrideString(&cfg.Client.Recognition.Source, "LOQA_CLIENT_RECOGNITION_SOURCE")
	overrideString(&cfg.Client.Recognition.Language, "LOQA_CLIENT_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Client.Recognition.IdleTimeoutMS, "LOQA_CLIENT_RECOGNITION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Client.Recognition.RestartDelayMS, "LOQA_CLIENT_RECOGNITION_RESTART_DELAY_MS")
	overrideString(&cfg.Client.Playback.Sink, "LOQA_CLIENT_PLAYBACK_SINK")
	overrideString(&cfg.Client.Playback.Command, "LOQA_CLIENT_PLAYBACK_COMMAND")
	overrideString(&cfg.Client.Playback.Directory, "LOQA_CLIENT_PLAYBACK_DIRECTORY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func normalize(cfg *Config) {
	cfg.Persona.ResponseEncoding = strings.ToLower(strings.TrimSpace(cfg.Persona.ResponseEncoding))
	if cfg.Persona.ResponseEncoding == "" {
		cfg.Persona.ResponseEncoding = EncodingJSON
	}
	cfg.Persona.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.Persona.DefaultProvider))
	if cfg.Client.Recognition.Language == "" {
		cfg.Client.Recognition.Language = "en-US"
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Persona.ResponseEncoding {
	case EncodingJSON, EncodingMPEG:
	default:
		return errors.New("persona.response_encoding must be one of json|mpeg")
	}
	if cfg.Persona.DefaultProvider == "" {
		return errors.New("persona.default_provider must not be empty")
	}
	if cfg.Persona.DefaultModel == "" {
		return errors.New("persona.default_model must not be empty")
	}
	if cfg.Gateway.TimeoutMS <= 0 {
		return errors.New("gateway.timeout_ms must be positive")
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		return errors.New("gateway.max_body_bytes must be positive")
	}
	if cfg.Gateway.RateLimitRPS < 0 {
		return errors.New("gateway.rate_limit_rps must be >= 0")
	}
	if cfg.Gateway.RateLimitRPS > 0 && cfg.Gateway.RateLimitBurst <= 0 {
		return errors.New("gateway.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	switch cfg.LLM.Mode {
	case "mock", "hosted", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|hosted|ollama|exec")
	}
	if cfg.LLM.Mode == "hosted" && cfg.LLM.OpenAI.Endpoint == "" && cfg.LLM.Google.Endpoint == "" {
		return errors.New("llm.openai.endpoint or llm.google.endpoint must be set when mode=hosted")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "elevenlabs", "exec":
	default:
		return errors.New("tts.mode must be one of mock|elevenlabs|exec")
	}
	if cfg.TTS.Mode == "elevenlabs" {
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=elevenlabs")
		}
		if cfg.TTS.Voice == "" {
			return errors.New("tts.voice must be set when mode=elevenlabs")
		}
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.Client.GatewayURL == "" {
		return errors.New("client.gateway_url must not be empty")
	}
	if cfg.Client.RequestTimeoutMS <= 0 {
		return errors.New("client.request_timeout_ms must be positive")
	}
	switch cfg.Client.Recognition.Source {
	case "stdin", "bus", "none":
	default:
		return errors.New("client.recognition.source must be one of stdin|bus|none")
	}
	if cfg.Client.Recognition.Source == "bus" && !cfg.Bus.Enabled {
		return errors.New("client.recognition.source=bus requires bus.enabled")
	}
	if cfg.Client.Recognition.RestartDelayMS < 0 {
		return errors.New("client.recognition.restart_delay_ms must be >= 0")
	}
	switch cfg.Client.Playback.Sink {
	case "exec":
		if cfg.Client.Playback.Command == "" {
			return errors.New("client.playback.command must be set when sink=exec")
		}
	case "file":
		if cfg.Client.Playback.Directory == "" {
			return errors.New("client.playback.directory must be set when sink=file")
		}
	case "discard":
	default:
		return errors.New("client.playback.sink must be one of exec|file|discard")
	}
	return nil
}
