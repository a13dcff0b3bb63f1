package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PERCH"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "perch.db"
	defaultLogLevel     = "info"
	defaultIssuer       = "perch-api"
	defaultAudience     = "perch-clients"

	defaultAccessTTLMinutes = 15
	defaultRefreshTTLDays   = 7

	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultGoogleTimeout     = 10 * time.Second

	defaultMediaMaxSizeBytes = 5 * 1024 * 1024

	defaultLoginPerMinute         = 10
	defaultRegisterPerMinute      = 5
	defaultPostCreatePerMinute    = 30
	defaultCommentCreatePerMinute = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	TokenSigningSecret string
	TokenIssuer        string
	TokenAudience      string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RotateRefresh      bool

	DatabasePath string
	LogLevel     string

	GoogleUserInfoURL string
	GoogleTimeout     time.Duration

	MediaMaxSizeBytes int64
	MediaAllowedTypes []string

	LoginPerMinute         int
	RegisterPerMinute      int
	PostCreatePerMinute    int
	CommentCreatePerMinute int
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("token.issuer", defaultIssuer)
	configViper.SetDefault("token.audience", defaultAudience)
	configViper.SetDefault("token.access_ttl_minutes", defaultAccessTTLMinutes)
	configViper.SetDefault("token.refresh_ttl_days", defaultRefreshTTLDays)
	configViper.SetDefault("token.rotate_refresh", true)

	configViper.SetDefault("google.userinfo_url", defaultGoogleUserInfoURL)
	configViper.SetDefault("google.timeout_seconds", int(defaultGoogleTimeout/time.Second))

	configViper.SetDefault("media.max_size_bytes", defaultMediaMaxSizeBytes)
	configViper.SetDefault("media.allowed_types", []string{"image/jpeg", "image/png", "image/gif", "video/mp4"})

	configViper.SetDefault("ratelimit.login_per_minute", defaultLoginPerMinute)
	configViper.SetDefault("ratelimit.register_per_minute", defaultRegisterPerMinute)
	configViper.SetDefault("ratelimit.post_create_per_minute", defaultPostCreatePerMinute)
	configViper.SetDefault("ratelimit.comment_create_per_minute", defaultCommentCreatePerMinute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),

		TokenSigningSecret: configViper.GetString("token.signing_secret"),
		TokenIssuer:        configViper.GetString("token.issuer"),
		TokenAudience:      configViper.GetString("token.audience"),
		AccessTokenTTL:     time.Duration(configViper.GetInt("token.access_ttl_minutes")) * time.Minute,
		RefreshTokenTTL:    time.Duration(configViper.GetInt("token.refresh_ttl_days")) * 24 * time.Hour,
		RotateRefresh:      configViper.GetBool("token.rotate_refresh"),

		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		GoogleUserInfoURL: configViper.GetString("google.userinfo_url"),
		GoogleTimeout:     time.Duration(configViper.GetInt("google.timeout_seconds")) * time.Second,

		MediaMaxSizeBytes: configViper.GetInt64("media.max_size_bytes"),
		MediaAllowedTypes: configViper.GetStringSlice("media.allowed_types"),

		LoginPerMinute:         configViper.GetInt("ratelimit.login_per_minute"),
		RegisterPerMinute:      configViper.GetInt("ratelimit.register_per_minute"),
		PostCreatePerMinute:    configViper.GetInt("ratelimit.post_create_per_minute"),
		CommentCreatePerMinute: configViper.GetInt("ratelimit.comment_create_per_minute"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TokenSigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("token.access_ttl_minutes must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("token.refresh_ttl_days must exceed the access token lifetime")
	}
	return nil
}
