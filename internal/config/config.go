package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/your-org/ytkey/internal/thumbnail"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Instance   InstanceConfig   `yaml:"instance"`
	Cache      CacheConfig      `yaml:"cache"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// InstanceConfig holds the constructor-time options of a resolution instance.
type InstanceConfig struct {
	// LogGroupID identifies the destination that finished media is uploaded to. Required.
	LogGroupID       string `yaml:"log_group_id"`
	Silent           bool   `yaml:"silent"`
	DownloadPath     string `yaml:"download_path"`
	CachePath        string `yaml:"cache_path"`
	DeleteMedia      bool   `yaml:"delete_media"`
	DefaultThumbnail string `yaml:"default_thumbnail"`
	// FFmpegLocation is "ffmpeg" (resolved from PATH) or a path to the binary.
	FFmpegLocation string `yaml:"ffmpeg_location"`
}

type CacheConfig struct {
	// Backend is "sqlite" (single file under cache_path) or "postgres".
	Backend string `yaml:"backend"`
}

type ThumbnailConfig struct {
	Host     string        `yaml:"host"`
	Parallel bool          `yaml:"parallel"`
	Timeout  time.Duration `yaml:"timeout"`
	MemoSize int           `yaml:"memo_size"`
	// MemoTTL remembers found thumbnails; zero checks the image host on every request.
	MemoTTL time.Duration `yaml:"memo_ttl"`
}

type ExtractorConfig struct {
	YtdlpPath string        `yaml:"ytdlp_path"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ExternalDownloaderConfig selects a downloader yt-dlp hands transfers to,
// e.g. aria2c. An empty name means yt-dlp's native downloader.
type ExternalDownloaderConfig struct {
	Name string   `yaml:"name"`
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

type DownloaderConfig struct {
	External    ExternalDownloaderConfig `yaml:"external"`
	Format      string                   `yaml:"format"`
	WorkerCount int                      `yaml:"worker_count"`
	Timeout     time.Duration            `yaml:"timeout"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an object store is configured.
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != ""
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	CacheBackendSQLite   = "sqlite"
	CacheBackendPostgres = "postgres"
)

// Load reads config from a YAML file and applies environment variable overrides.
// A missing file is not an error; defaults and environment still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Instance.LogGroupID) == "" {
		return fmt.Errorf("instance.log_group_id is required")
	}
	switch c.Cache.Backend {
	case CacheBackendSQLite, CacheBackendPostgres:
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", CacheBackendSQLite, CacheBackendPostgres, c.Cache.Backend)
	}
	if c.Thumbnail.Timeout <= 0 {
		return fmt.Errorf("thumbnail.timeout must be positive")
	}
	if c.Extractor.Timeout <= 0 {
		return fmt.Errorf("extractor.timeout must be positive")
	}
	if c.Downloader.WorkerCount < 1 {
		return fmt.Errorf("downloader.worker_count must be at least 1")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Instance.DownloadPath == "" {
		cfg.Instance.DownloadPath = "downloads"
	}
	if cfg.Instance.CachePath == "" {
		cfg.Instance.CachePath = "."
	}
	if cfg.Instance.DefaultThumbnail == "" {
		cfg.Instance.DefaultThumbnail = thumbnail.DefaultURL
	}
	if cfg.Instance.FFmpegLocation == "" {
		cfg.Instance.FFmpegLocation = "ffmpeg"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheBackendSQLite
	}
	if cfg.Thumbnail.Host == "" {
		cfg.Thumbnail.Host = "i.ytimg.com"
	}
	if cfg.Thumbnail.Timeout == 0 {
		cfg.Thumbnail.Timeout = 5 * time.Second
	}
	if cfg.Thumbnail.MemoSize == 0 {
		cfg.Thumbnail.MemoSize = 1024
	}
	if cfg.Extractor.YtdlpPath == "" {
		cfg.Extractor.YtdlpPath = "yt-dlp"
	}
	if cfg.Extractor.Timeout == 0 {
		cfg.Extractor.Timeout = 2 * time.Minute
	}
	if cfg.Downloader.Format == "" {
		cfg.Downloader.Format = "bestvideo[height<=1080]+bestaudio/best"
	}
	if cfg.Downloader.WorkerCount == 0 {
		cfg.Downloader.WorkerCount = 2
	}
	if cfg.Downloader.Timeout == 0 {
		cfg.Downloader.Timeout = 30 * time.Minute
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "media"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("YTKEY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("YTKEY_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("YTKEY_LOG_GROUP_ID"); v != "" {
		cfg.Instance.LogGroupID = v
	}
	if v := os.Getenv("YTKEY_SILENT"); v != "" {
		cfg.Instance.Silent = v == "true" || v == "1"
	}
	if v := os.Getenv("YTKEY_DOWNLOAD_PATH"); v != "" {
		cfg.Instance.DownloadPath = v
	}
	if v := os.Getenv("YTKEY_CACHE_PATH"); v != "" {
		cfg.Instance.CachePath = v
	}
	if v := os.Getenv("YTKEY_DELETE_MEDIA"); v != "" {
		cfg.Instance.DeleteMedia = v == "true" || v == "1"
	}
	if v := os.Getenv("YTKEY_DEFAULT_THUMBNAIL"); v != "" {
		cfg.Instance.DefaultThumbnail = v
	}
	if v := os.Getenv("YTKEY_FFMPEG_LOCATION"); v != "" {
		cfg.Instance.FFmpegLocation = v
	}
	if v := os.Getenv("YTKEY_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("YTKEY_YTDLP_PATH"); v != "" {
		cfg.Extractor.YtdlpPath = v
	}
	if v := os.Getenv("YTKEY_EXTRACTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Extractor.Timeout = d
		}
	}
	if v := os.Getenv("YTKEY_EXTERNAL_DOWNLOADER"); v != "" {
		cfg.Downloader.External.Name = v
	}
	if v := os.Getenv("YTKEY_DOWNLOAD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Downloader.WorkerCount = n
		}
	}
	if v := os.Getenv("YTKEY_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("YTKEY_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("YTKEY_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("YTKEY_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("YTKEY_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("YTKEY_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("YTKEY_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("YTKEY_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("YTKEY_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("YTKEY_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("YTKEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
