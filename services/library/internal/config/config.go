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

// ConfigPath is the default config file, overridable with LIBRARY_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	ErrorLogPath  string `yaml:"errorLogPath"`
	AccessLogPath string `yaml:"accessLogPath"`
	DatabaseURL   string `yaml:"databaseURL"`

	UploadDir         string   `yaml:"uploadDir"`
	PagesDir          string   `yaml:"pagesDir"`
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MinioCacheDir  string `yaml:"minioCacheDir"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionSecret string `yaml:"sessionSecret"`
	SessionTTL    string `yaml:"sessionTTL"`
	CookieSecure  bool   `yaml:"cookieSecure"`
	AdminUsername string `yaml:"adminUsername"`
	AdminPassword string `yaml:"adminPassword"`

	RenderMaxWidth    int    `yaml:"renderMaxWidth"`
	RenderDPI         int    `yaml:"renderDPI"`
	RenderFormat      string `yaml:"renderFormat"`
	RenderJPEGQuality int    `yaml:"renderJPEGQuality"`
	RenderConcurrency int    `yaml:"renderConcurrency"`
	RenderTimeout     string `yaml:"renderTimeout"`
	PdftoppmPath      string `yaml:"pdftoppmPath"`
	RenderQueueStream string `yaml:"renderQueueStream"`

	LoginRateLimitPerMinute int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxyCIDRs       []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins      []string `yaml:"corsAllowedOrigins"`
}

// ResolvePath picks the config file: explicit flag, then LIBRARY_CONFIG, then ConfigPath.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("LIBRARY_CONFIG")); v != "" {
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
	if v := os.Getenv("LIBRARY_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRARY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
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
	if v := os.Getenv("LIBRARY_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("LIBRARY_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
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
	if v := os.Getenv("LIBRARY_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("LIBRARY_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = b
		}
	}
	if v := os.Getenv("LIBRARY_ADMIN_USERNAME"); v != "" {
		cfg.AdminUsername = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRARY_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("LIBRARY_RENDER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RenderConcurrency = n
		}
	}
	if v := os.Getenv("LIBRARY_PDFTOPPM_PATH"); v != "" {
		cfg.PdftoppmPath = v
	}
	if v := os.Getenv("LIBRARY_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LIBRARY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("LIBRARY_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "data/uploads"
	}
	if cfg.PagesDir == "" {
		cfg.PagesDir = "data/pages"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf"}
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "local"
	}
	if cfg.MinioCacheDir == "" {
		cfg.MinioCacheDir = "data/minio-cache"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "12h"
	}
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
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
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("config: invalid port %q", cfg.Port)
	}
	if len(strings.TrimSpace(cfg.SessionSecret)) < 32 {
		return errors.New("config: sessionSecret must be at least 32 characters (set in config.yaml or LIBRARY_SESSION_SECRET)")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
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
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if _, err := ParseRenderTimeout(cfg.RenderTimeout); err != nil {
		return err
	}
	switch strings.ToLower(cfg.RenderFormat) {
	case "png", "jpeg", "jpg":
	default:
		return fmt.Errorf("config: renderFormat must be png or jpeg, got %q", cfg.RenderFormat)
	}
	if cfg.RenderMaxWidth < 0 || cfg.RenderDPI < 0 || cfg.RenderConcurrency < 0 {
		return errors.New("config: render settings must be >= 0")
	}
	if cfg.RenderJPEGQuality < 0 || cfg.RenderJPEGQuality > 100 {
		return errors.New("config: renderJPEGQuality must be between 1 and 100")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses the sessionTTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("sessionTTL must be positive")
	}
	return dur, nil
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

// Addr is the listen address.
func (c FileConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
