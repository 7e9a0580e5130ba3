// Package config loads relay settings from defaults, an optional config file,
// LECTERN_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	dbconfig "lectern/pkg/database"
)

// EnvPrefix namespaces environment overrides: LECTERN_<SECTION>_<KEY>.
const EnvPrefix = "LECTERN"

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Session     SessionConfig     `mapstructure:"session"`
	Translation TranslationConfig `mapstructure:"translation"`
	Reconnect   ReconnectConfig   `mapstructure:"reconnect"`
	Log         LogConfig         `mapstructure:"log"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// WebSocketConfig covers the transport and the liveness probe.
type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	MissedProbes    int           `mapstructure:"missed_probes"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// GraceWindow is how long a connection may stay silent before it is evicted.
// A teacher silent for longer counts as stale and can be displaced.
func (w WebSocketConfig) GraceWindow() time.Duration {
	return w.PingInterval * time.Duration(w.MissedProbes)
}

type SessionConfig struct {
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	MinDuration        time.Duration `mapstructure:"min_duration"`
	HistorySize        int           `mapstructure:"history_size"`
	QueueSize          int           `mapstructure:"queue_size"`
	MalformedThreshold int           `mapstructure:"malformed_threshold"`
	ControlRateLimit   int           `mapstructure:"control_rate_limit"`
}

// TranslationConfig selects and addresses the speech and translation backends.
type TranslationConfig struct {
	Engine               string        `mapstructure:"engine"`
	Fallback             string        `mapstructure:"fallback"`
	LibreURL             string        `mapstructure:"libre_url"`
	LibreAPIKey          string        `mapstructure:"libre_api_key"`
	OpenAIURL            string        `mapstructure:"openai_url"`
	OpenAIAPIKey         string        `mapstructure:"openai_api_key"`
	OpenAIModel          string        `mapstructure:"openai_model"`
	TTSFallback          string        `mapstructure:"tts_fallback"`
	PiperURL             string        `mapstructure:"piper_url"`
	PiperVoice           string        `mapstructure:"piper_voice"`
	OpenAITTSModel       string        `mapstructure:"openai_tts_model"`
	OpenAIVoice          string        `mapstructure:"openai_voice"`
	WhisperURL           string        `mapstructure:"whisper_url"`
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	TranscribeTimeout    time.Duration `mapstructure:"transcribe_timeout"`
	MaxParallelLanguages int           `mapstructure:"max_parallel_languages"`
	DetailedLogging      bool          `mapstructure:"detailed_logging"`
	AudioTTL             time.Duration `mapstructure:"audio_ttl"`
	AudioCapacity        int           `mapstructure:"audio_capacity"`
	HTTPPoolSize         int           `mapstructure:"http_pool_size"`
}

// ReconnectConfig is the backoff policy advertised to clients.
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func DefaultConfig() *Config {
	db := dbconfig.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Enabled:         true,
			Driver:          db.Driver,
			DSN:             db.DSN,
			MaxConnections:  db.MaxConnections,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    5 * time.Second,
			MissedProbes:    3,
			WriteTimeout:    5 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 2 << 20,
			AllowedOrigins:  []string{},
		},
		Session: SessionConfig{
			IdleTimeout:        2 * time.Minute,
			MinDuration:        3 * time.Minute,
			HistorySize:        50,
			QueueSize:          32,
			MalformedThreshold: 5,
			ControlRateLimit:   100,
		},
		Translation: TranslationConfig{
			Engine:            "echo",
			Fallback:          "echo",
			LibreURL:          "http://localhost:5000",
			OpenAIURL:         "https://api.openai.com",
			OpenAIModel:       "gpt-4o-mini",
			TTSFallback:       "piper",
			PiperURL:          "http://localhost:5002",
			PiperVoice:        "en_US-lessac-medium",
			OpenAITTSModel:    "tts-1",
			OpenAIVoice:       "alloy",
			WhisperURL:        "http://localhost:8081",
			CallTimeout:       8 * time.Second,
			TranscribeTimeout: 15 * time.Second,
			AudioTTL:          10 * time.Minute,
			AudioCapacity:     1000,
			HTTPPoolSize:      64,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database.Enabled {
		if err := c.DatabaseStore().Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.MissedProbes <= 0 {
		return errors.New("WebSocket missed probes must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Session.IdleTimeout <= 0 {
		return errors.New("session idle timeout must be positive")
	}
	if c.Session.MinDuration < 0 {
		return errors.New("session min duration cannot be negative")
	}
	if c.Session.HistorySize <= 0 || c.Session.QueueSize <= 0 {
		return errors.New("session history and queue sizes must be positive")
	}
	if c.Session.MalformedThreshold <= 0 {
		return errors.New("malformed threshold must be positive")
	}

	if c.Translation.Engine == "" {
		return errors.New("translation engine cannot be empty")
	}
	if c.Translation.CallTimeout <= 0 {
		return errors.New("translation call timeout must be positive")
	}

	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.New("reconnect delays must be positive with max >= base")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect max attempts cannot be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// DatabaseStore converts the section into the persistence layer's config.
func (c *Config) DatabaseStore() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.Driver = c.Database.Driver
	store.DSN = c.Database.DSN
	store.MaxConnections = c.Database.MaxConnections
	store.ConnMaxLifetime = c.Database.ConnMaxLifetime
	store.ConnMaxIdleTime = c.Database.ConnMaxIdleTime
	return store
}

// Load builds a Config from v. When file is set it must exist and parse;
// precedence is flags bound on v, then environment, then file, then defaults.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults registers every DefaultConfig value on v so environment
// variables resolve for all keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	defaults := map[string]interface{}{
		"database.enabled":            d.Database.Enabled,
		"database.driver":             d.Database.Driver,
		"database.dsn":                d.Database.DSN,
		"database.max_connections":    d.Database.MaxConnections,
		"database.conn_max_lifetime":  d.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": d.Database.ConnMaxIdleTime,

		"http.host":          d.HTTP.Host,
		"http.port":          d.HTTP.Port,
		"http.read_timeout":  d.HTTP.ReadTimeout,
		"http.write_timeout": d.HTTP.WriteTimeout,

		"websocket.ping_interval":     d.WebSocket.PingInterval,
		"websocket.missed_probes":     d.WebSocket.MissedProbes,
		"websocket.write_timeout":     d.WebSocket.WriteTimeout,
		"websocket.buffer_size":       d.WebSocket.BufferSize,
		"websocket.max_message_bytes": d.WebSocket.MaxMessageBytes,
		"websocket.allowed_origins":   d.WebSocket.AllowedOrigins,

		"session.idle_timeout":        d.Session.IdleTimeout,
		"session.min_duration":        d.Session.MinDuration,
		"session.history_size":        d.Session.HistorySize,
		"session.queue_size":          d.Session.QueueSize,
		"session.malformed_threshold": d.Session.MalformedThreshold,
		"session.control_rate_limit":  d.Session.ControlRateLimit,

		"translation.engine":                 d.Translation.Engine,
		"translation.fallback":               d.Translation.Fallback,
		"translation.libre_url":              d.Translation.LibreURL,
		"translation.libre_api_key":          d.Translation.LibreAPIKey,
		"translation.openai_url":             d.Translation.OpenAIURL,
		"translation.openai_api_key":         d.Translation.OpenAIAPIKey,
		"translation.openai_model":           d.Translation.OpenAIModel,
		"translation.tts_fallback":           d.Translation.TTSFallback,
		"translation.piper_url":              d.Translation.PiperURL,
		"translation.piper_voice":            d.Translation.PiperVoice,
		"translation.openai_tts_model":       d.Translation.OpenAITTSModel,
		"translation.openai_voice":           d.Translation.OpenAIVoice,
		"translation.whisper_url":            d.Translation.WhisperURL,
		"translation.call_timeout":           d.Translation.CallTimeout,
		"translation.transcribe_timeout":     d.Translation.TranscribeTimeout,
		"translation.max_parallel_languages": d.Translation.MaxParallelLanguages,
		"translation.detailed_logging":       d.Translation.DetailedLogging,
		"translation.audio_ttl":              d.Translation.AudioTTL,
		"translation.audio_capacity":         d.Translation.AudioCapacity,
		"translation.http_pool_size":         d.Translation.HTTPPoolSize,

		"reconnect.base_delay":   d.Reconnect.BaseDelay,
		"reconnect.max_delay":    d.Reconnect.MaxDelay,
		"reconnect.max_attempts": d.Reconnect.MaxAttempts,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Address is the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
