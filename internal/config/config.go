package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/routeshot/internal/browser"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds all runtime configuration. Project-level settings such as
// route sources and viewports live in the project file instead.
type Config struct {
	// Logging
	LogLevel string
	LogFile  string

	// HTTP API
	BindAddr         string
	PublicURL        string
	PortAutoFallback bool
	PortCandidates   []string

	ProjectFile string

	// Browser
	BrowserDriver   string
	ChromiumPath    string
	CDPURL          string
	Headless        bool
	FullPage        bool
	FailOnPageError bool

	// Capture tuning
	Workers      int
	PageTimeout  time.Duration
	CloseTimeout time.Duration
	SettleDelay  time.Duration

	// Storage settings
	StorageBackend    string
	DataDir           string
	ImageCacheEntries int
	S3                storage.S3Config

	// Session journal
	JournalDir       string
	JournalMaxSizeMB int
	JournalBuffer    int

	// NotifyURL receives a plain-text POST when a session is published or
	// resolved. Empty disables notifications.
	NotifyURL string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	dataDir := getEnvOrDefault("ROUTESHOT_DATA_DIR", "./routeshot_data")
	cfg := &Config{
		LogLevel:          strings.ToLower(getEnvOrDefault("ROUTESHOT_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("ROUTESHOT_LOG_FILE", "logs/routeshot.log"),
		BindAddr:          getEnvOrDefault("ROUTESHOT_BIND_ADDR", "127.0.0.1:8188"),
		PublicURL:         os.Getenv("ROUTESHOT_PUBLIC_URL"),
		PortAutoFallback:  getEnvBoolOrDefault("ROUTESHOT_PORT_AUTO_FALLBACK", true),
		PortCandidates:    getEnvListOrDefault("ROUTESHOT_PORT_CANDIDATES", []string{"127.0.0.1:8189", "127.0.0.1:8190", "127.0.0.1:8191"}),
		ProjectFile:       getEnvOrDefault("ROUTESHOT_PROJECT", "routeshot.yaml"),
		BrowserDriver:     strings.ToLower(getEnvOrDefault("BROWSER_DRIVER", browser.DriverChromedp)),
		ChromiumPath:      os.Getenv("CHROMIUM_PATH"),
		CDPURL:            os.Getenv("CDP_URL"),
		Headless:          getEnvBoolOrDefault("ROUTESHOT_HEADLESS", true),
		FullPage:          getEnvBoolOrDefault("ROUTESHOT_FULL_PAGE", true),
		FailOnPageError:   getEnvBoolOrDefault("ROUTESHOT_FAIL_ON_PAGE_ERROR", false),
		Workers:           getEnvIntOrDefault("ROUTESHOT_WORKERS", 4),
		PageTimeout:       getEnvMillisOrDefault("ROUTESHOT_PAGE_TIMEOUT_MS", 30*time.Second),
		CloseTimeout:      getEnvMillisOrDefault("ROUTESHOT_CLOSE_TIMEOUT_MS", 5*time.Second),
		SettleDelay:       getEnvMillisOrDefault("ROUTESHOT_SETTLE_MS", 0),
		StorageBackend:    strings.ToLower(getEnvOrDefault("ROUTESHOT_STORAGE", StorageLocal)),
		DataDir:           dataDir,
		ImageCacheEntries: getEnvIntOrDefault("ROUTESHOT_IMAGE_CACHE_ENTRIES", 256),
		S3: storage.S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getEnvOrDefault("S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
			Prefix:    os.Getenv("S3_PREFIX"),
			UseSSL:    getEnvBoolOrDefault("S3_USE_SSL", true),
		},
		JournalDir:       getEnvOrDefault("ROUTESHOT_JOURNAL_DIR", dataDir+"/journal"),
		JournalMaxSizeMB: getEnvIntOrDefault("ROUTESHOT_JOURNAL_MAX_SIZE_MB", 50),
		JournalBuffer:    getEnvIntOrDefault("ROUTESHOT_JOURNAL_BUFFER_SIZE", 1024),
		NotifyURL:        os.Getenv("ROUTESHOT_NOTIFY_URL"),
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	// PublicURL follows BindAddr unless set; serve rebinds it when the
	// port falls back.
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + cfg.BindAddr
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	switch cfg.StorageBackend {
	case StorageLocal:
	case StorageS3:
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("config: s3 storage requires S3_ENDPOINT and S3_BUCKET")
		}
	default:
		return nil, fmt.Errorf("config: unknown ROUTESHOT_STORAGE %q (want %q or %q)", cfg.StorageBackend, StorageLocal, StorageS3)
	}
	return cfg, nil
}

// Browser returns the launch settings for the configured driver.
func (c *Config) Browser() browser.Config {
	return browser.Config{
		Driver:          c.BrowserDriver,
		ExecPath:        c.ChromiumPath,
		CDPURL:          c.CDPURL,
		Headless:        c.Headless,
		FullPage:        c.FullPage,
		FailOnPageError: c.FailOnPageError,
	}
}

// OpenStorage returns the configured file storage backend.
func (c *Config) OpenStorage() (storage.FileStorage, error) {
	if c.StorageBackend == StorageS3 {
		s3, err := storage.NewS3(c.S3)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	local, err := storage.NewLocal(c.DataDir)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvMillisOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
