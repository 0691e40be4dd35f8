package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session core
type Config struct {
	// HTTP port for health and metrics endpoints
	Port string `envconfig:"PORT" default:"9090"`

	// Backend websocket endpoint the client connects to
	BackendWSURL string `envconfig:"BACKEND_WS_URL" default:"ws://localhost:8000/ws"`

	// TTS upstream configuration (OpenAI speech API format)
	TTSAPIEndpoint  string  `envconfig:"TTS_API_ENDPOINT" default:"http://localhost:5005/v1/audio/speech"`
	TTSModel        string  `envconfig:"TTS_MODEL" default:"tts-1"`
	TTSVoice        string  `envconfig:"TTS_VOICE" default:"tara"`
	TTSOutputFormat string  `envconfig:"TTS_OUTPUT_FORMAT" default:"wav"` // wav, mp3, opus, aac, flac
	TTSSpeed        float64 `envconfig:"TTS_SPEED" default:"1.0"`         // 0.25 to 4.0
	TTSTimeout      int     `envconfig:"TTS_TIMEOUT" default:"60"`        // seconds
	TTSChunkSize    int     `envconfig:"TTS_CHUNK_SIZE" default:"4096"`   // bytes per streamed chunk
	TTSCacheSize    int     `envconfig:"TTS_CACHE_SIZE" default:"50"`     // max cached phrases

	// Turn timeout budgets, split evenly across the stages of a turn
	AudioTurnTimeout int `envconfig:"AUDIO_TURN_TIMEOUT" default:"30"` // seconds
	TextTurnTimeout  int `envconfig:"TEXT_TURN_TIMEOUT" default:"20"`  // seconds

	// How long the inbound dispatcher waits between connection polls
	DispatcherPollInterval int `envconfig:"DISPATCHER_POLL_INTERVAL" default:"3"` // seconds

	// Resilience configuration
	DialMaxAttempts            int `envconfig:"DIAL_MAX_ATTEMPTS" default:"3"`              // Dial attempts per connect
	DialInitialBackoff         int `envconfig:"DIAL_INITIAL_BACKOFF" default:"100"`         // Initial backoff in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.TTSSpeed < 0.25 || cfg.TTSSpeed > 4.0 {
		return nil, fmt.Errorf("TTS_SPEED must be between 0.25 and 4.0, got %v", cfg.TTSSpeed)
	}
	if cfg.TTSChunkSize <= 0 {
		return nil, fmt.Errorf("TTS_CHUNK_SIZE must be positive, got %d", cfg.TTSChunkSize)
	}

	return &cfg, nil
}

// TTSRequestTimeout returns the TTS upstream timeout as a duration
func (c *Config) TTSRequestTimeout() time.Duration {
	return time.Duration(c.TTSTimeout) * time.Second
}

// AudioTurnBudget returns the overall timeout budget for an audio turn
func (c *Config) AudioTurnBudget() time.Duration {
	return time.Duration(c.AudioTurnTimeout) * time.Second
}

// TextTurnBudget returns the overall timeout budget for a text turn
func (c *Config) TextTurnBudget() time.Duration {
	return time.Duration(c.TextTurnTimeout) * time.Second
}

// PollInterval returns the dispatcher connection poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.DispatcherPollInterval) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
