// Package config provides application configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Completion providers accepted by COMPLETION_PROVIDER.
const (
	ProviderNone   = ""
	ProviderGRPC   = "grpc"
	ProviderGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Session    SessionConfig
	Realtime   RealtimeConfig
	Generation GenerationConfig
	Completion CompletionConfig
	Log        LogConfig

	SweepInterval time.Duration
}

// SessionConfig controls the conversation session store.
type SessionConfig struct {
	TTL          time.Duration
	HistoryLimit int
}

// RealtimeConfig controls channels and their subscribers.
type RealtimeConfig struct {
	BufferSize   int
	GracePeriod  time.Duration
	QueueSize    int
	SSEKeepalive time.Duration
}

// GenerationConfig controls generation jobs.
type GenerationConfig struct {
	Retention time.Duration
	// Timeout of zero disables the job watchdog.
	Timeout time.Duration
}

// CompletionConfig selects and configures the completion provider.
type CompletionConfig struct {
	Provider     string
	Address      string
	GeminiAPIKey string
	GeminiModel  string
	Timeout      time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// source resolves configuration keys. Environment variables win over values
// read from the optional CONFIG_FILE.
type source struct {
	file map[string]string
}

// Load reads configuration from environment variables, overlaid on the YAML
// file named by CONFIG_FILE when it is set.
func Load() (*Config, error) {
	src := source{file: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return load(src)
}

func load(src source) (*Config, error) {
	var errs []error
	duration := func(key string, fallback time.Duration) time.Duration {
		d, err := src.getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	integer := func(key string, fallback int) int {
		n, err := src.getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg := &Config{
		Port:        src.getEnv("PORT", "8080"),
		FrontendURL: src.getEnv("FRONTEND_URL", ""),
		DBPath:      src.getEnv("DB_PATH", "./data/courses.db"),
		Session: SessionConfig{
			TTL:          duration("SESSION_TTL", 60*time.Minute),
			HistoryLimit: integer("SESSION_HISTORY_LIMIT", 50),
		},
		Realtime: RealtimeConfig{
			BufferSize:   integer("CHANNEL_BUFFER_SIZE", 256),
			GracePeriod:  duration("CHANNEL_GRACE_PERIOD", 5*time.Minute),
			QueueSize:    integer("SUBSCRIBER_QUEUE_SIZE", 64),
			SSEKeepalive: duration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
		},
		Generation: GenerationConfig{
			Retention: duration("JOB_RETENTION", 15*time.Minute),
			Timeout:   duration("JOB_TIMEOUT", 0),
		},
		Completion: CompletionConfig{
			Provider:     strings.ToLower(src.getEnv("COMPLETION_PROVIDER", ProviderNone)),
			Address:      src.getEnv("COMPLETION_ADDR", ""),
			GeminiAPIKey: src.getEnv("GEMINI_API_KEY", ""),
			GeminiModel:  src.getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			Timeout:      duration("COMPLETION_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:  strings.ToLower(src.getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(src.getEnv("LOG_FORMAT", "json")),
		},
		SweepInterval: duration("SWEEP_INTERVAL", 5*time.Minute),
	}
	if len(errs) > 0 {
		return nil, goerr.Wrap(errs[0], "invalid configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return goerr.New("PORT cannot be empty")
	case c.DBPath == "":
		return goerr.New("DB_PATH cannot be empty")
	case c.Session.TTL <= 0:
		return goerr.New("SESSION_TTL must be > 0")
	case c.Session.HistoryLimit <= 0:
		return goerr.New("SESSION_HISTORY_LIMIT must be > 0")
	case c.SweepInterval <= 0:
		return goerr.New("SWEEP_INTERVAL must be > 0")
	case c.Realtime.BufferSize <= 0:
		return goerr.New("CHANNEL_BUFFER_SIZE must be > 0")
	case c.Realtime.QueueSize <= 0:
		return goerr.New("SUBSCRIBER_QUEUE_SIZE must be > 0")
	case c.Realtime.GracePeriod < 0:
		return goerr.New("CHANNEL_GRACE_PERIOD must be >= 0")
	case c.Realtime.SSEKeepalive <= 0:
		return goerr.New("SSE_KEEPALIVE_INTERVAL must be > 0")
	case c.Generation.Retention <= 0:
		return goerr.New("JOB_RETENTION must be > 0")
	case c.Generation.Timeout < 0:
		return goerr.New("JOB_TIMEOUT must be >= 0")
	case c.Completion.Timeout <= 0:
		return goerr.New("COMPLETION_TIMEOUT must be > 0")
	}

	switch c.Completion.Provider {
	case ProviderNone:
	case ProviderGRPC:
		if c.Completion.Address == "" {
			return goerr.New("COMPLETION_ADDR is required for the grpc provider")
		}
	case ProviderGemini:
		if c.Completion.GeminiAPIKey == "" {
			return goerr.New("GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return goerr.New("unknown COMPLETION_PROVIDER", goerr.V("provider", c.Completion.Provider))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return goerr.New("unknown LOG_LEVEL", goerr.V("level", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return goerr.New("unknown LOG_FORMAT", goerr.V("format", c.Log.Format))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins accepted by CORS and the WebSocket
// upgrade.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// readFile parses a flat YAML mapping whose keys are the environment
// variable names, e.g. `SESSION_TTL: 30m`.
func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	var values map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	out := make(map[string]string, len(values))
	for key, node := range values {
		if node.Kind != yaml.ScalarNode {
			return nil, goerr.New("config values must be scalars", goerr.V("path", path), goerr.V("key", key))
		}
		out[strings.ToUpper(key)] = node.Value
	}
	return out, nil
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

func (s source) getEnv(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) getEnvInt(key string, fallback int) (int, error) {
	value, ok := s.lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback, goerr.Wrap(err, "invalid integer", goerr.V("key", key), goerr.V("value", value))
	}
	return n, nil
}

// getEnvDuration accepts Go duration strings; a bare integer is read as seconds.
func (s source) getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := s.lookup(key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, goerr.Wrap(err, "invalid duration", goerr.V("key", key), goerr.V("value", value))
	}
	return d, nil
}
