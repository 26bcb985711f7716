// Package config defines the ingest daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Sources   []string        `json:"sources" yaml:"sources"` // accepted source URL patterns
	Crawler   CrawlerConfig   `json:"crawler" yaml:"crawler"`
	Downloads DownloadsConfig `json:"downloads" yaml:"downloads"`
	AI        AIConfig        `json:"ai" yaml:"ai"`
	TTS       TTSConfig       `json:"tts" yaml:"tts"`
	Video     VideoConfig     `json:"video" yaml:"video"`
	Upload    UploadConfig    `json:"upload" yaml:"upload"`
	Janitor   JanitorConfig   `json:"janitor" yaml:"janitor"`
	Recovery  RecoveryConfig  `json:"recovery" yaml:"recovery"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr"` // listen address, e.g., ":8000"
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// StorageConfig locates the task database and file trees. Empty paths are
// resolved under DataDir.
type StorageConfig struct {
	DBPath       string `json:"db_path" yaml:"db_path"`
	ArtifactsDir string `json:"artifacts_dir" yaml:"artifacts_dir"`
	WorkspaceDir string `json:"workspace_dir" yaml:"workspace_dir"`
}

// EventsConfig tunes the progress event bus.
type EventsConfig struct {
	Keepalive      time.Duration `json:"keepalive" yaml:"keepalive"`
	Buffer         int           `json:"buffer" yaml:"buffer"`
	MaxSubscribers int           `json:"max_subscribers" yaml:"max_subscribers"`
}

// CrawlerConfig controls page rendering and chapter discovery.
type CrawlerConfig struct {
	UserAgent   string        `json:"user_agent" yaml:"user_agent"`
	Headless    bool          `json:"headless" yaml:"headless"`
	BrowserBin  string        `json:"browser_bin,omitempty" yaml:"browser_bin"`
	PageTimeout time.Duration `json:"page_timeout" yaml:"page_timeout"`
	MinDelay    time.Duration `json:"min_delay" yaml:"min_delay"`       // between page loads
	MaxChapters int           `json:"max_chapters" yaml:"max_chapters"` // 0 = all; development runs use a small cap
}

// DownloadsConfig controls image retrieval.
type DownloadsConfig struct {
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`
	Retries        int           `json:"retries" yaml:"retries"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	RequestsPerSec float64       `json:"requests_per_sec" yaml:"requests_per_sec"`
}

// AIConfig selects the vision model used for transcription.
type AIConfig struct {
	Provider         string        `json:"provider" yaml:"provider"` // openai or anthropic
	BaseURL          string        `json:"base_url" yaml:"base_url"` // empty uses the provider default
	APIKey           string        `json:"api_key" yaml:"api_key"`
	Model            string        `json:"model" yaml:"model"` // empty uses the provider default
	MaxTokens        int           `json:"max_tokens" yaml:"max_tokens"`
	BatchSize        int           `json:"batch_size" yaml:"batch_size"`               // chapters per batch
	ImagesPerRequest int           `json:"images_per_request" yaml:"images_per_request"` // images per model call
	Retries          int           `json:"retries" yaml:"retries"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// TTSConfig controls narration synthesis. An empty Binary disables the phase.
type TTSConfig struct {
	Binary string `json:"binary" yaml:"binary"` // edge-tts executable
	Voice  string `json:"voice" yaml:"voice"`
	Rate   string `json:"rate,omitempty" yaml:"rate"` // e.g. "+10%"
}

// VideoConfig controls video assembly. Disabled unless Enabled is set.
type VideoConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	FFmpeg      string `json:"ffmpeg" yaml:"ffmpeg"`
	FFprobe     string `json:"ffprobe" yaml:"ffprobe"`
	UseDocker   bool   `json:"use_docker" yaml:"use_docker"`
	DockerImage string `json:"docker_image" yaml:"docker_image"`
	Width       int    `json:"width" yaml:"width"`
	Height      int    `json:"height" yaml:"height"`
}

// UploadConfig controls optional publishing of results.
type UploadConfig struct {
	YouTube  YouTubeConfig  `json:"youtube" yaml:"youtube"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// Enabled reports whether any sink is configured.
func (u UploadConfig) Enabled() bool { return u.YouTube.Enabled || u.Telegram.Enabled }

// YouTubeConfig holds OAuth client files and video defaults.
type YouTubeConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	ClientSecrets string `json:"client_secrets" yaml:"client_secrets"` // OAuth client JSON
	TokenFile     string `json:"token_file" yaml:"token_file"`         // stored refresh token
	Privacy       string `json:"privacy" yaml:"privacy"`
	CategoryID    string `json:"category_id" yaml:"category_id"`
}

// TelegramConfig holds the bot used for completion notices.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
	APIBase  string `json:"api_base,omitempty" yaml:"api_base"`
}

// JanitorConfig schedules workspace cleanup. An empty Schedule disables it.
type JanitorConfig struct {
	Schedule  string        `json:"schedule" yaml:"schedule"` // cron expression
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// RecoveryConfig controls handling of tasks interrupted by a restart.
type RecoveryConfig struct {
	ResumeInterrupted bool `json:"resume_interrupted" yaml:"resume_interrupted"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8000",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		DataDir:  "./data",
		LogLevel: "info",
		Events: EventsConfig{
			Keepalive:      30 * time.Second,
			Buffer:         64,
			MaxSubscribers: 32,
		},
		Sources: []string{
			`^https?://truyenqqno\.com/truyen-tranh/.+`,
			`^https?://truyenqq\.[^/]+/truyen-tranh/.+`,
		},
		Crawler: CrawlerConfig{
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Headless:    true,
			PageTimeout: 30 * time.Second,
			MinDelay:    500 * time.Millisecond,
		},
		Downloads: DownloadsConfig{
			Concurrency:    4,
			Retries:        3,
			Timeout:        30 * time.Second,
			RequestsPerSec: 8,
		},
		AI: AIConfig{
			Provider:         "openai",
			MaxTokens:        8192,
			BatchSize:        10,
			ImagesPerRequest: 20,
			Retries:          3,
			Timeout:          5 * time.Minute,
		},
		TTS: TTSConfig{
			Voice: "vi-VN-NamMinhNeural",
		},
		Video: VideoConfig{
			FFmpeg:      "ffmpeg",
			FFprobe:     "ffprobe",
			DockerImage: "jrottenberg/ffmpeg:7-ubuntu",
			Width:       1280,
			Height:      720,
		},
		Upload: UploadConfig{
			YouTube: YouTubeConfig{
				Privacy:    "private",
				CategoryID: "22",
			},
			Telegram: TelegramConfig{
				APIBase: "https://api.telegram.org",
			},
		},
		Janitor: JanitorConfig{
			Schedule:  "@hourly",
			Retention: 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills derived paths.
func (c *Config) Validate() error {
	var errs []error
	for _, expr := range c.Sources {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("sources: %q: %w", expr, err))
		}
	}
	switch c.AI.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("ai.provider: unknown provider %q", c.AI.Provider))
	}
	if c.AI.BatchSize <= 0 {
		errs = append(errs, errors.New("ai.batch_size must be positive"))
	}
	if c.AI.ImagesPerRequest <= 0 {
		errs = append(errs, errors.New("ai.images_per_request must be positive"))
	}
	if c.Downloads.Concurrency <= 0 {
		errs = append(errs, errors.New("downloads.concurrency must be positive"))
	}
	if c.Crawler.MaxChapters < 0 {
		errs = append(errs, errors.New("crawler.max_chapters must not be negative"))
	}
	if c.Upload.YouTube.Enabled && (c.Upload.YouTube.ClientSecrets == "" || c.Upload.YouTube.TokenFile == "") {
		errs = append(errs, errors.New("upload.youtube needs client_secrets and token_file"))
	}
	if c.Upload.YouTube.Enabled && !c.Video.Enabled {
		errs = append(errs, errors.New("upload.youtube requires video.enabled"))
	}
	if c.Upload.Telegram.Enabled && (c.Upload.Telegram.BotToken == "" || c.Upload.Telegram.ChatID == "") {
		errs = append(errs, errors.New("upload.telegram needs bot_token and chat_id"))
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.DataDir, "tasks.db")
	}
	if c.Storage.ArtifactsDir == "" {
		c.Storage.ArtifactsDir = filepath.Join(c.DataDir, "content")
	}
	if c.Storage.WorkspaceDir == "" {
		c.Storage.WorkspaceDir = filepath.Join(c.DataDir, "workspace")
	}
	return errors.Join(errs...)
}
