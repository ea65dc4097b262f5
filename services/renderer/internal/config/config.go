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

// ConfigPath is the default config file, overridable with RENDERER_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Storage and render
// keys must match the library service so both write the same page sets.
type FileConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"rendererPort"`
	LogLevel      string `yaml:"logLevel"`
	ErrorLogPath  string `yaml:"rendererErrorLogPath"`
	AccessLogPath string `yaml:"rendererAccessLogPath"`
	DatabaseURL   string `yaml:"databaseURL"`
	InternalToken string `yaml:"internalToken"`

	UploadDir      string `yaml:"uploadDir"`
	PagesDir       string `yaml:"pagesDir"`
	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MinioCacheDir  string `yaml:"minioCacheDir"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	RenderMaxWidth    int    `yaml:"renderMaxWidth"`
	RenderDPI         int    `yaml:"renderDPI"`
	RenderFormat      string `yaml:"renderFormat"`
	RenderJPEGQuality int    `yaml:"renderJPEGQuality"`
	RenderConcurrency int    `yaml:"renderConcurrency"`
	RenderTimeout     string `yaml:"renderTimeout"`
	PdftoppmPath      string `yaml:"pdftoppmPath"`

	RenderQueueStream     string `yaml:"renderQueueStream"`
	QueueGroup            string `yaml:"queueGroup"`
	QueueConcurrency      int    `yaml:"queueConcurrency"`
	QueueMaxRetries       int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySecond int    `yaml:"queueRetryDelaySeconds"`
}

// ResolvePath picks the config file: explicit flag, then RENDERER_CONFIG, then ConfigPath.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("RENDERER_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("RENDERER_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("RENDERER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RENDERER_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LIBRARY_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("LIBRARY_PAGES_DIR"); v != "" {
		cfg.PagesDir = v
	}
	if v := os.Getenv("LIBRARY_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LIBRARY_PDFTOPPM_PATH"); v != "" {
		cfg.PdftoppmPath = v
	}
	if v := os.Getenv("RENDERER_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8090"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "data/uploads"
	}
	if cfg.PagesDir == "" {
		cfg.PagesDir = "data/pages"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "local"
	}
	if cfg.MinioCacheDir == "" {
		cfg.MinioCacheDir = "data/minio-cache"
	}
	if cfg.RenderMaxWidth == 0 {
		cfg.RenderMaxWidth = 1200
	}
	if cfg.RenderDPI == 0 {
		cfg.RenderDPI = 150
	}
	if cfg.RenderFormat == "" {
		cfg.RenderFormat = "png"
	}
	if cfg.RenderJPEGQuality == 0 {
		cfg.RenderJPEGQuality = 85
	}
	if cfg.RenderConcurrency == 0 {
		cfg.RenderConcurrency = 2
	}
	if cfg.RenderQueueStream == "" {
		cfg.RenderQueueStream = "perpustakaan:render"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "renderers"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.QueueRetryDelaySecond == 0 {
		cfg.QueueRetryDelaySecond = 5
	}
}

func validateConfig(cfg FileConfig) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("config: invalid rendererPort %q", cfg.Port)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.StorageBackend {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for storageBackend minio")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	if _, err := ParseRenderTimeout(cfg.RenderTimeout); err != nil {
		return err
	}
	switch strings.ToLower(cfg.RenderFormat) {
	case "png", "jpeg", "jpg":
	default:
		return fmt.Errorf("config: renderFormat must be png or jpeg, got %q", cfg.RenderFormat)
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySecond < 0 {
		return errors.New("config: queue settings must be >= 0")
	}
	return nil
}

// ParseRenderTimeout parses the optional renderTimeout; empty means no limit.
func ParseRenderTimeout(value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid renderTimeout duration: %w", err)
	}
	return dur, nil
}

// RetryDelay is the pause before a failed job is requeued.
func (c FileConfig) RetryDelay() time.Duration {
	return time.Duration(c.QueueRetryDelaySecond) * time.Second
}

// Addr is the listen address.
func (c FileConfig) Addr() string {
	return c.Host + ":" + c.Port
}
