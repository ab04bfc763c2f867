// Package config loads the application configuration from an optional YAML
// file and the process environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
)

// Signaling store names.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ModelsConfig names the generation models.
type ModelsConfig struct {
	Text  string `yaml:"text"`
	Image string `yaml:"image"`
	Video string `yaml:"video"`
	Live  string `yaml:"live"`
}

// OpenAIConfig configures the OpenAI-compatible text backend.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SignalingConfig configures the signaling hub and its clients.
type SignalingConfig struct {
	// Addr is the hub listen address.
	Addr string `yaml:"addr"`
	// URL is the hub endpoint dialed by clients.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Store selects the hub's backing store: "memory" or "redis".
	Store     string `yaml:"store"`
	RedisAddr string `yaml:"redis_addr"`
}

// ImageAPI is one external image generation service. URL contains the
// literal "{prompt}" where the escaped prompt is substituted.
type ImageAPI struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config holds all application configuration.
type Config struct {
	Backend      string          `yaml:"backend"`
	GoogleAPIKey string          `yaml:"google_api_key"`
	OpenAI       OpenAIConfig    `yaml:"openai"`
	Models       ModelsConfig    `yaml:"models"`
	DBPath       string          `yaml:"db_path"`
	Signaling    SignalingConfig `yaml:"signaling"`
	STUNURLs     []string        `yaml:"stun_urls"`

	VideoPollInterval time.Duration `yaml:"video_poll_interval"`
	HistoryLimit      int           `yaml:"history_limit"`
	ContextWindow     int           `yaml:"context_window"`
	Thinking          bool          `yaml:"thinking"`

	ImageAPIs []ImageAPI `yaml:"image_apis"`
	LyricsURL string     `yaml:"lyrics_url"`
}

// DefaultImageAPIs are the image services queried when none are configured.
var DefaultImageAPIs = []ImageAPI{
	{Name: "MagicStudio", URL: "https://api.siputzx.my.id/api/ai/magicstudio?prompt={prompt}"},
	{Name: "BIMG", URL: "https://api.siputzx.my.id/api/s/bimg?query={prompt}"},
	{Name: "DALL-E", URL: "https://apis.davidcyriltech.my.id/ai/dalle?text={prompt}"},
	{Name: "Flux", URL: "https://api.siputzx.my.id/api/ai/flux?prompt={prompt}"},
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendGemini,
		Models: ModelsConfig{
			Text:  "gemini-2.5-flash",
			Image: "gemini-2.5-flash-image",
			Video: "veo-3.1-fast-generate-preview",
			Live:  "gemini-2.5-flash-native-audio-preview-09-2025",
		},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		DBPath: "data/chat.db",
		Signaling: SignalingConfig{
			Addr:      ":8090",
			URL:       "ws://localhost:8090/v1/signaling",
			Store:     StoreMemory,
			RedisAddr: "localhost:6379",
		},
		STUNURLs:          []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		VideoPollInterval: 10 * time.Second,
		HistoryLimit:      30,
		ContextWindow:     20,
		ImageAPIs:         append([]ImageAPI(nil), DefaultImageAPIs...),
		LyricsURL:         "https://api.ryzumi.vip/api/search/lyrics",
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is non-empty) and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Backend, "CHAT_BACKEND")
	setString(&cfg.GoogleAPIKey, "GOOGLE_API_KEY")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	setString(&cfg.Models.Text, "CHAT_TEXT_MODEL")
	setString(&cfg.Models.Image, "CHAT_IMAGE_MODEL")
	setString(&cfg.Models.Video, "CHAT_VIDEO_MODEL")
	setString(&cfg.Models.Live, "CHAT_LIVE_MODEL")
	setString(&cfg.DBPath, "CHAT_DB_PATH")
	setString(&cfg.Signaling.Addr, "SIGNALING_ADDR")
	setString(&cfg.Signaling.URL, "SIGNALING_URL")
	setString(&cfg.Signaling.Token, "SIGNALING_TOKEN")
	setString(&cfg.Signaling.Store, "SIGNALING_STORE")
	setString(&cfg.Signaling.RedisAddr, "REDIS_ADDR")
	setString(&cfg.LyricsURL, "LYRICS_URL")

	if v := os.Getenv("STUN_URLS"); v != "" {
		cfg.STUNURLs = splitList(v)
	}
	if v := os.Getenv("VIDEO_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VIDEO_POLL_INTERVAL: %w", err)
		}
		cfg.VideoPollInterval = d
	}
	if err := setInt(&cfg.HistoryLimit, "HISTORY_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&cfg.ContextWindow, "CONTEXT_WINDOW"); err != nil {
		return err
	}
	if v := os.Getenv("CHAT_THINKING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHAT_THINKING: %w", err)
		}
		cfg.Thinking = b
	}
	return nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendGemini, BackendOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch c.Signaling.Store {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown signaling store %q", c.Signaling.Store))
	}
	if c.VideoPollInterval <= 0 {
		errs = append(errs, errors.New("video poll interval must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history limit must be positive"))
	}
	if c.ContextWindow < 0 {
		errs = append(errs, errors.New("context window must not be negative"))
	}
	for _, api := range c.ImageAPIs {
		if api.Name == "" || !strings.Contains(api.URL, "{prompt}") {
			errs = append(errs, fmt.Errorf("image api %q needs a name and a {prompt} placeholder", api.Name))
		}
	}
	return errors.Join(errs...)
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
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
