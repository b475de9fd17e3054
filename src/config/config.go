package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration. Values come from a config
// file when present, overridden by CALLBRIDGE_* environment variables.
type Config struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	PublicMediaURL string `mapstructure:"public_media_url"`
	LogLevel       string `mapstructure:"log_level"`

	Pool  PoolConfig  `mapstructure:"pool"`
	Call  CallConfig  `mapstructure:"call"`
	STT   STTConfig   `mapstructure:"stt"`
	Agent AgentConfig `mapstructure:"agent"`
}

// PoolConfig sizes the session pool
type PoolConfig struct {
	Size         int `mapstructure:"size"`
	EmergencyCap int `mapstructure:"emergency_cap"`
	MinReady     int `mapstructure:"min_ready"`
}

// CallConfig holds per-call limits and thresholds
type CallConfig struct {
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
	SilenceKeepalive time.Duration `mapstructure:"silence_keepalive"`
	EndpointSilence  time.Duration `mapstructure:"endpoint_silence"`
}

// STTConfig holds speech-to-text engine settings
type STTConfig struct {
	APIKey   string `mapstructure:"api_key"`
	URL      string `mapstructure:"url"`
	Language string `mapstructure:"language"`
	Model    string `mapstructure:"model"`
}

// AgentConfig holds conversational agent service settings
type AgentConfig struct {
	URL     string            `mapstructure:"url"`
	APIKey  string            `mapstructure:"api_key"`
	AgentID string            `mapstructure:"agent_id"`
	Vars    map[string]string `mapstructure:"vars"`
}

// Load reads configuration from the given file (optional) and the
// environment
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_media_url", "ws://localhost:8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.emergency_cap", 0)
	v.SetDefault("pool.min_ready", 0)

	v.SetDefault("call.max_duration", 10*time.Minute)
	v.SetDefault("call.dedup_ttl", 120*time.Second)
	v.SetDefault("call.silence_keepalive", 5*time.Second)
	v.SetDefault("call.endpoint_silence", time.Second)

	v.SetDefault("stt.url", "wss://api.deepgram.com/v1/listen")
	v.SetDefault("stt.language", "sv-SE")
	v.SetDefault("stt.model", "nova-2")

	v.SetDefault("agent.url", "wss://api.elevenlabs.io/v1/convai/conversation")

	v.SetEnvPrefix("CALLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("callbridge")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/callbridge")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; env and defaults apply
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot serve calls
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.STT.APIKey == "" {
		return fmt.Errorf("stt.api_key is required")
	}
	if c.Agent.APIKey == "" && c.Agent.AgentID == "" {
		return fmt.Errorf("agent.api_key or agent.agent_id is required")
	}
	if c.Call.MaxDuration <= 0 {
		return fmt.Errorf("call.max_duration must be positive")
	}
	return nil
}
