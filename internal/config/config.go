package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ORDERSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultHubDatabasePath   = "ordersync-hub.db"
	defaultPrefsDatabasePath = "ordersync-prefs.db"
	defaultBaseURL           = "http://localhost:8080"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultHeartbeat         = 30 * time.Second
	defaultReconnectDelay    = 3 * time.Second
	defaultTypingTTL         = 3 * time.Second
	defaultCommitTimeout     = 15 * time.Second
	defaultSoundPlayer       = SoundPlayerBell
)

// Sound player kinds.
const (
	SoundPlayerBell    = "bell"
	SoundPlayerCommand = "command"
	SoundPlayerNone    = "none"
)

// AppConfig captures runtime configuration for the hub and the client commands.
type AppConfig struct {
	HTTPAddress       string
	HubDatabasePath   string
	AllowedOrigins    []string
	BaseURL           string
	SyncEnabled       bool
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	TypingTTL         time.Duration
	CommitTimeout     time.Duration
	PrefsDatabasePath string
	UserID            string
	UserName          string
	UserRole          string
	SoundPlayer       string
	SoundCommand      string
	LogLevel          string
	LogFormat         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("hub.address", defaultHTTPAddress)
	configViper.SetDefault("hub.database_path", defaultHubDatabasePath)
	configViper.SetDefault("hub.allowed_origins", []string{"*"})
	configViper.SetDefault("sync.base_url", defaultBaseURL)
	configViper.SetDefault("sync.enabled", true)
	configViper.SetDefault("sync.heartbeat_interval", defaultHeartbeat)
	configViper.SetDefault("sync.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("sync.typing_ttl", defaultTypingTTL)
	configViper.SetDefault("sync.commit_timeout", defaultCommitTimeout)
	configViper.SetDefault("prefs.database_path", defaultPrefsDatabasePath)
	configViper.SetDefault("sound.player", defaultSoundPlayer)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("hub.address"),
		HubDatabasePath:   configViper.GetString("hub.database_path"),
		AllowedOrigins:    configViper.GetStringSlice("hub.allowed_origins"),
		BaseURL:           strings.TrimRight(strings.TrimSpace(configViper.GetString("sync.base_url")), "/"),
		SyncEnabled:       configViper.GetBool("sync.enabled"),
		HeartbeatInterval: configViper.GetDuration("sync.heartbeat_interval"),
		ReconnectDelay:    configViper.GetDuration("sync.reconnect_delay"),
		TypingTTL:         configViper.GetDuration("sync.typing_ttl"),
		CommitTimeout:     configViper.GetDuration("sync.commit_timeout"),
		PrefsDatabasePath: configViper.GetString("prefs.database_path"),
		UserID:            strings.TrimSpace(configViper.GetString("user.id")),
		UserName:          strings.TrimSpace(configViper.GetString("user.name")),
		UserRole:          strings.TrimSpace(configViper.GetString("user.role")),
		SoundPlayer:       strings.ToLower(strings.TrimSpace(configViper.GetString("sound.player"))),
		SoundCommand:      strings.TrimSpace(configViper.GetString("sound.command")),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HubDatabasePath) == "" {
		return fmt.Errorf("hub.database_path is required")
	}
	if strings.TrimSpace(c.PrefsDatabasePath) == "" {
		return fmt.Errorf("prefs.database_path is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("sync.base_url must be an absolute http(s) url, got %q", c.BaseURL)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_interval must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("sync.reconnect_delay must be positive")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("sync.typing_ttl must be positive")
	}
	if c.CommitTimeout <= 0 {
		return fmt.Errorf("sync.commit_timeout must be positive")
	}
	switch c.SoundPlayer {
	case SoundPlayerBell, SoundPlayerNone:
	case SoundPlayerCommand:
		if c.SoundCommand == "" {
			return fmt.Errorf("sound.command is required when sound.player is %q", SoundPlayerCommand)
		}
	default:
		return fmt.Errorf("sound.player must be one of bell, command, none; got %q", c.SoundPlayer)
	}
	return nil
}
