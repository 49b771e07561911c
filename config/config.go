package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/room4-2/memoir-dialog/doubao"
	"github.com/room4-2/memoir-dialog/persona"
)

// Config holds all server configuration
type Config struct {
	Port            int
	RedisURL        string // empty disables the session mirror and preview cache
	RedisPassword   string
	DatabaseURL     string // empty disables persistence and profile lookup
	MaxSessions     int
	SessionTimeout  time.Duration
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	LogLevel        slog.Level

	Doubao doubao.Config

	DefaultSpeaker      string
	DefaultRecorderName string
	DefaultCity         string
	StrictAudit         bool

	PreviewTimeout  time.Duration
	PreviewCacheTTL time.Duration
	MaxPreviewAudio int // Maximum synthesized preview audio kept for caching, in bytes

	ContentFile string
	Content     persona.Content
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:            8080,
		RedisURL:        "",
		MaxSessions:     100,
		SessionTimeout:  30 * time.Minute,
		AllowedOrigins:  []string{"*"},
		KeepAlivePeriod: 30 * time.Second,
		LogLevel:        slog.LevelInfo,
		Doubao: doubao.Config{
			URL:            doubao.DefaultURL,
			ResourceID:     doubao.DefaultResourceID,
			AppKey:         doubao.DefaultAppKey,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			EchoMatch:      doubao.EchoMatchExact,
			EchoSimilarity: 0.92,
		},
		DefaultSpeaker:      "zh_female_vv_jupiter_bigtts",
		DefaultRecorderName: "小安",
		DefaultCity:         "北京",
		PreviewTimeout:      10 * time.Second,
		PreviewCacheTTL:     24 * time.Hour,
		MaxPreviewAudio:     2 * 1024 * 1024, // 2MB, ~40s at 24 kHz
		Content:             persona.DefaultContent(),
	}

	// Required: DOUBAO_APP_ID, DOUBAO_ACCESS_KEY
	config.Doubao.AppID = os.Getenv("DOUBAO_APP_ID")
	if config.Doubao.AppID == "" {
		return nil, fmt.Errorf("DOUBAO_APP_ID environment variable is required")
	}
	config.Doubao.AccessKey = os.Getenv("DOUBAO_ACCESS_KEY")
	if config.Doubao.AccessKey == "" {
		return nil, fmt.Errorf("DOUBAO_ACCESS_KEY environment variable is required")
	}

	setString(&config.Doubao.URL, "DOUBAO_WS_URL")
	setString(&config.Doubao.ResourceID, "DOUBAO_RESOURCE_ID")
	setString(&config.Doubao.AppKey, "DOUBAO_APP_KEY")
	setString(&config.DefaultSpeaker, "DOUBAO_SPEAKER")
	setString(&config.DefaultRecorderName, "DEFAULT_RECORDER_NAME")
	setString(&config.DefaultCity, "DEFAULT_CITY")
	setString(&config.RedisURL, "REDIS_URL")
	setString(&config.RedisPassword, "REDIS_PASSWORD")
	setString(&config.DatabaseURL, "DATABASE_URL")
	setString(&config.ContentFile, "CONTENT_FILE")

	// Optional: PORT
	if err := setInt(&config.Port, "PORT"); err != nil {
		return nil, err
	}

	// Optional: MAX_SESSIONS
	if err := setInt(&config.MaxSessions, "MAX_SESSIONS"); err != nil {
		return nil, err
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}

	// Optional: MAX_PREVIEW_AUDIO (in bytes)
	if err := setInt(&config.MaxPreviewAudio, "MAX_PREVIEW_AUDIO"); err != nil {
		return nil, err
	}
	if config.MaxPreviewAudio <= 0 {
		return nil, fmt.Errorf("invalid MAX_PREVIEW_AUDIO: must be positive")
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if err := setDuration(&config.SessionTimeout, "SESSION_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}

	// Optional: KEEPALIVE_PERIOD (in seconds)
	if err := setDuration(&config.KeepAlivePeriod, "KEEPALIVE_PERIOD", time.Second); err != nil {
		return nil, err
	}

	// Optional: PREVIEW_TIMEOUT (in seconds)
	if err := setDuration(&config.PreviewTimeout, "PREVIEW_TIMEOUT", time.Second); err != nil {
		return nil, err
	}
	if config.PreviewTimeout <= 0 {
		return nil, fmt.Errorf("invalid PREVIEW_TIMEOUT: must be positive")
	}

	// Optional: PREVIEW_CACHE_TTL (in minutes, 0 or less disables caching)
	if err := setDuration(&config.PreviewCacheTTL, "PREVIEW_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: STRICT_AUDIT
	if audit := os.Getenv("STRICT_AUDIT"); audit != "" {
		b, err := strconv.ParseBool(audit)
		if err != nil {
			return nil, fmt.Errorf("invalid STRICT_AUDIT: %w", err)
		}
		config.StrictAudit = b
	}

	// Optional: LOG_LEVEL ("debug", "info", "warn", "error")
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if err := config.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	// Optional: ECHO_MATCH ("exact" or "fuzzy")
	if match := os.Getenv("ECHO_MATCH"); match != "" {
		switch doubao.EchoMatch(match) {
		case doubao.EchoMatchExact, doubao.EchoMatchFuzzy:
			config.Doubao.EchoMatch = doubao.EchoMatch(match)
		default:
			return nil, fmt.Errorf("invalid ECHO_MATCH: must be 'exact' or 'fuzzy'")
		}
	}

	// Optional: ECHO_SIMILARITY (0-1]
	if similarity := os.Getenv("ECHO_SIMILARITY"); similarity != "" {
		s, err := strconv.ParseFloat(similarity, 64)
		if err != nil || s <= 0 || s > 1 {
			return nil, fmt.Errorf("invalid ECHO_SIMILARITY: must be in (0, 1]")
		}
		config.Doubao.EchoSimilarity = s
	}

	if config.ContentFile != "" {
		content, err := LoadContent(config.ContentFile)
		if err != nil {
			return nil, err
		}
		config.Content = content
	}

	return config, nil
}

// LoadContent reads a YAML content file. Fields it leaves empty keep their
// defaults.
func LoadContent(path string) (persona.Content, error) {
	f, err := os.Open(path)
	if err != nil {
		return persona.Content{}, fmt.Errorf("open content file: %w", err)
	}
	defer f.Close()

	var c persona.Content
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return persona.Content{}, fmt.Errorf("parse content file %s: %w", path, err)
	}
	return c.Merge(), nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string, unit time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = time.Duration(n) * unit
	return nil
}
