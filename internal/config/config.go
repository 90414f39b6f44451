package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
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

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SourceConfig describes one audio capture path.
type SourceConfig struct {
	Mode    string `yaml:"mode"` // exec, mock, off
	Command string `yaml:"command"`
}

type CaptureConfig struct {
	Mic        SourceConfig `yaml:"mic"`
	Sys        SourceConfig `yaml:"sys"`
	QueueDepth int          `yaml:"queue_depth"`
	ArchiveDir string       `yaml:"archive_dir"`
}

type ReconnectConfig struct {
	BaseDelayMS  int `yaml:"base_delay_ms"`
	MaxDelayMS   int `yaml:"max_delay_ms"`
	MaxAttempts  int `yaml:"max_attempts"`
	ReplayWindMS int `yaml:"replay_window_ms"`
}

type STTConfig struct {
	Provider   string          `yaml:"provider"` // deepgram, exec, mock
	Endpoint   string          `yaml:"endpoint"`
	Command    string          `yaml:"command"`
	SampleRate int             `yaml:"sample_rate"`
	KeepAliveS int             `yaml:"keepalive_interval_s"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
}

type LLMConfig struct {
	Provider          string `yaml:"provider"` // openai, anthropic, mock
	OpenAIModel       string `yaml:"openai_model"`
	AnthropicModel    string `yaml:"anthropic_model"`
	OpenAIEndpoint    string `yaml:"openai_endpoint"`
	AnthropicEndpoint string `yaml:"anthropic_endpoint"`
	MaxTokens         int    `yaml:"max_tokens"`
	SummaryMaxTokens  int    `yaml:"summary_max_tokens"`
	TimeoutS          int    `yaml:"timeout_s"`
}

// DefaultsConfig seeds the user-mutable settings table on first run.
type DefaultsConfig struct {
	STTModel       string   `yaml:"stt_model"`
	STTLanguage    string   `yaml:"stt_language"`
	LLMLanguage    string   `yaml:"llm_language"`
	InterimResults bool     `yaml:"interim_results"`
	EndpointingMS  int      `yaml:"endpointing_ms"`
	MicInput       string   `yaml:"mic_input"`
	SystemAudio    string   `yaml:"system_audio"`
	AutoDelete     string   `yaml:"auto_delete"`
	SelfSpeakers   []string `yaml:"self_speaker_tags"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	Defaults    DefaultsConfig  `yaml:"defaults"`
}

func Default() Config {
	return Config{
		RuntimeName: "kanpe-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8754,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/kanpe.db",
		},
		Capture: CaptureConfig{
			Mic:        SourceConfig{Mode: "exec", Command: "kanpe-mic-capture --format s16le"},
			Sys:        SourceConfig{Mode: "exec", Command: "kanpe-sys-capture --format s16le"},
			QueueDepth: 64,
			ArchiveDir: "",
		},
		STT: STTConfig{
			Provider:   "deepgram",
			Endpoint:   "wss://api.deepgram.com/v1/listen",
			SampleRate: 16000,
			KeepAliveS: 3,
			Reconnect: ReconnectConfig{
				BaseDelayMS:  500,
				MaxDelayMS:   10000,
				MaxAttempts:  8,
				ReplayWindMS: 3000,
			},
		},
		LLM: LLMConfig{
			Provider:          "openai",
			OpenAIModel:       "gpt-5-mini",
			AnthropicModel:    "claude-haiku-4-5",
			OpenAIEndpoint:    "https://api.openai.com",
			AnthropicEndpoint: "https://api.anthropic.com",
			MaxTokens:         900,
			SummaryMaxTokens:  2400,
			TimeoutS:          45,
		},
		Defaults: DefaultsConfig{
			STTModel:       "nova-3",
			STTLanguage:    "en",
			LLMLanguage:    "en",
			InterimResults: true,
			EndpointingMS:  300,
			MicInput:       "default",
			SystemAudio:    "screen_capture",
			AutoDelete:     "30days",
		},
	}
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "KANPE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KANPE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KANPE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KANPE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KANPE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KANPE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KANPE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KANPE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "KANPE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KANPE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KANPE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KANPE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KANPE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KANPE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KANPE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KANPE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KANPE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "KANPE_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "KANPE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mic.Mode, "KANPE_CAPTURE_MIC_MODE")
	overrideString(&cfg.Capture.Mic.Command, "KANPE_CAPTURE_MIC_COMMAND")
	overrideString(&cfg.Capture.Sys.Mode, "KANPE_CAPTURE_SYS_MODE")
	overrideString(&cfg.Capture.Sys.Command, "KANPE_CAPTURE_SYS_COMMAND")
	overrideInt(&cfg.Capture.QueueDepth, "KANPE_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Capture.ArchiveDir, "KANPE_CAPTURE_ARCHIVE_DIR")
	overrideString(&cfg.STT.Provider, "KANPE_STT_PROVIDER")
	overrideString(&cfg.STT.Endpoint, "KANPE_STT_ENDPOINT")
	overrideString(&cfg.STT.Command, "KANPE_STT_COMMAND")
	overrideInt(&cfg.STT.SampleRate, "KANPE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.KeepAliveS, "KANPE_STT_KEEPALIVE_INTERVAL_S")
	overrideInt(&cfg.STT.Reconnect.BaseDelayMS, "KANPE_STT_RECONNECT_BASE_DELAY_MS")
	overrideInt(&cfg.STT.Reconnect.MaxDelayMS, "KANPE_STT_RECONNECT_MAX_DELAY_MS")
	overrideInt(&cfg.STT.Reconnect.MaxAttempts, "KANPE_STT_RECONNECT_MAX_ATTEMPTS")
	overrideInt(&cfg.STT.Reconnect.ReplayWindMS, "KANPE_STT_RECONNECT_REPLAY_WINDOW_MS")
	overrideString(&cfg.LLM.Provider, "KANPE_LLM_PROVIDER")
	overrideString(&cfg.LLM.OpenAIModel, "KANPE_LLM_OPENAI_MODEL")
	overrideString(&cfg.LLM.AnthropicModel, "KANPE_LLM_ANTHROPIC_MODEL")
	overrideString(&cfg.LLM.OpenAIEndpoint, "KANPE_LLM_OPENAI_ENDPOINT")
	overrideString(&cfg.LLM.AnthropicEndpoint, "KANPE_LLM_ANTHROPIC_ENDPOINT")
	overrideInt(&cfg.LLM.MaxTokens, "KANPE_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.SummaryMaxTokens, "KANPE_LLM_SUMMARY_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutS, "KANPE_LLM_TIMEOUT_S")
	overrideString(&cfg.Defaults.STTModel, "KANPE_DEFAULT_STT_MODEL")
	overrideString(&cfg.Defaults.STTLanguage, "KANPE_DEFAULT_STT_LANGUAGE")
	overrideString(&cfg.Defaults.LLMLanguage, "KANPE_DEFAULT_LLM_LANGUAGE")
	overrideBool(&cfg.Defaults.InterimResults, "KANPE_DEFAULT_INTERIM_RESULTS")
	overrideInt(&cfg.Defaults.EndpointingMS, "KANPE_DEFAULT_ENDPOINTING_MS")
	overrideString(&cfg.Defaults.AutoDelete, "KANPE_DEFAULT_AUTO_DELETE")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	for _, src := range []struct {
		name string
		sc   SourceConfig
	}{{"capture.mic", cfg.Capture.Mic}, {"capture.sys", cfg.Capture.Sys}} {
		switch src.sc.Mode {
		case "exec", "mock", "off":
		default:
			return fmt.Errorf("%s.mode must be one of exec|mock|off", src.name)
		}
		if src.sc.Mode == "exec" && strings.TrimSpace(src.sc.Command) == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", src.name)
		}
	}
	if cfg.Capture.Mic.Mode == "off" && cfg.Capture.Sys.Mode == "off" {
		return errors.New("at least one capture source must be enabled")
	}
	switch cfg.STT.Provider {
	case "deepgram", "exec", "mock":
	default:
		return errors.New("stt.provider must be one of deepgram|exec|mock")
	}
	if cfg.STT.Provider == "deepgram" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when provider=deepgram")
	}
	if cfg.STT.Provider == "exec" && strings.TrimSpace(cfg.STT.Command) == "" {
		return errors.New("stt.command must be set when provider=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Reconnect.BaseDelayMS <= 0 {
		return errors.New("stt.reconnect.base_delay_ms must be positive")
	}
	if cfg.STT.Reconnect.MaxDelayMS < cfg.STT.Reconnect.BaseDelayMS {
		return errors.New("stt.reconnect.max_delay_ms must be >= base_delay_ms")
	}
	if cfg.STT.Reconnect.ReplayWindMS < 0 {
		return errors.New("stt.reconnect.replay_window_ms must be >= 0")
	}
	switch cfg.LLM.Provider {
	case "openai", "anthropic", "mock":
	default:
		return errors.New("llm.provider must be one of openai|anthropic|mock")
	}
	if cfg.LLM.MaxTokens <= 0 {
		return errors.New("llm.max_tokens must be positive")
	}
	if cfg.LLM.TimeoutS <= 0 {
		return errors.New("llm.timeout_s must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
