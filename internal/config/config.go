package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr         string
	LogLevel         string
	RequestTimeout   time.Duration
	SelectionTimeout time.Duration
	CopyAckDelay     time.Duration
	ClipboardTmux    bool
	ClipboardMode    string // auto | tty | memory
	OpenAI           OpenAIConfig
	Store            StoreConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// RatePerMinute ограничивает число исходящих запросов; 0 отключает лимит.
	RatePerMinute int
}

type StoreConfig struct {
	Type string // memory | file | sqlite
	Path string
	Key  string
}

func Load() (Config, error) {
	var cfg Config

	cfg.HTTPAddr = getEnv("HTTP_ADDR", "127.0.0.1:8787")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	reqTimeout, err := parseDuration(getEnv("HTTP_CLIENT_TIMEOUT", "60s"))
	if err != nil {
		return Config{}, fmt.Errorf("parse HTTP_CLIENT_TIMEOUT: %w", err)
	}
	cfg.RequestTimeout = reqTimeout

	selTimeout, err := parseDuration(getEnv("SELECTION_TIMEOUT", "3s"))
	if err != nil {
		return Config{}, fmt.Errorf("parse SELECTION_TIMEOUT: %w", err)
	}
	cfg.SelectionTimeout = selTimeout

	ackDelay, err := parseDuration(getEnv("COPY_ACK_DELAY", "1s"))
	if err != nil {
		return Config{}, fmt.Errorf("parse COPY_ACK_DELAY: %w", err)
	}
	cfg.CopyAckDelay = ackDelay

	tmux, err := parseBoolDefault(getEnv("CLIPBOARD_TMUX", ""), os.Getenv("TMUX") != "")
	if err != nil {
		return Config{}, fmt.Errorf("parse CLIPBOARD_TMUX: %w", err)
	}
	cfg.ClipboardTmux = tmux

	cfg.ClipboardMode = getEnv("CLIPBOARD_MODE", "auto")
	switch cfg.ClipboardMode {
	case "auto", "tty", "memory":
	default:
		return Config{}, fmt.Errorf("parse CLIPBOARD_MODE: unknown mode %q", cfg.ClipboardMode)
	}

	rate, err := parseIntDefault(getEnv("COMPLETION_RATE_PER_MINUTE", ""), 20)
	if err != nil {
		return Config{}, fmt.Errorf("parse COMPLETION_RATE_PER_MINUTE: %w", err)
	}

	cfg.OpenAI = OpenAIConfig{
		APIKey:        getEnv("OPENAI_API_KEY", getEnv("VITE_OPENAI_API_KEY", "")),
		BaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Model:         getEnv("OPENAI_MODEL", getEnv("VITE_OPENAI_MODEL", "gpt-4o-mini")),
		RatePerMinute: rate,
	}

	cfg.Store = StoreConfig{
		Type: getEnv("STORE_TYPE", "file"),
		Path: getEnv("STORE_PATH", "data/textpilot.json"),
		Key:  getEnv("STORE_KEY", "contexts"),
	}

	return cfg, nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	return time.ParseDuration(value)
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

// parseBoolDefault разбирает необязательный bool; пустая строка даёт def.
func parseBoolDefault(value string, def bool) (bool, error) {
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, err
	}
	return parsed, nil
}

func parseIntDefault(value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, fmt.Errorf("must not be negative: %d", parsed)
	}
	return parsed, nil
}
