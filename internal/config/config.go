package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// IndexerConfig describes one downstream media indexer that gets a
// rescan notification after an infringing-file deletion.
type IndexerConfig struct {
	Name            string // "sonarr", "radarr"
	BaseURL         string
	APIKeyPath      string // path to the service's own config file holding its API key
	RescanCommand   string
	SearchCommand   string
}

// Config holds all application configuration loaded from environment
// variables. Load validates eagerly: a missing or malformed required
// field is a fatal startup error, never a later nil-pointer.
type Config struct {
	Port     string
	LogLevel string
	DataDir  string

	DatabasePath string
	LogDir       string
	MediaRoot    string

	ProviderBaseURL string
	ProviderToken   string

	DryRunDefault bool

	MaxRetryAttempts    int
	ScanIntervalMinutes int
	MaxConcurrentTests  int

	RateGateMaxPerMinute int
	RateGateWindow       time.Duration
	RateGateCallTimeout  time.Duration

	RetryHold     time.Duration
	RefreshWindow time.Duration

	WalkerConcurrency int
	WalkerBatchSize   int

	TestLoopInterval       time.Duration
	CleanupLoopInterval    time.Duration
	MonitoringLoopInterval time.Duration

	CorrelatorMatchThreshold float64
	CleanupMatchThreshold    float64

	PriorityHighStatuses  []string
	PriorityHighMinSizeGB float64
	PriorityHighMaxAgeHrs float64

	PriorityLowMaxSizeMB  float64
	PriorityLowMinAgeDays float64

	APIKey     string
	CORSOrigin string

	Indexers []IndexerConfig

	NotifyURLs []string

	EncryptionKeyPath string
}

var cfg *Config

// Load reads configuration from environment variables, applying
// defaults, and validates required fields. Panics on a missing
// required field so startup fails loudly rather than limping along.
func Load() *Config {
	dataDir := getEnvOrDefault("RDSENTINEL_DATA_DIR", "")
	if dataDir == "" {
		if execPath, err := os.Executable(); err == nil {
			dataDir = filepath.Join(filepath.Dir(execPath), "data")
		} else {
			dataDir = "./data"
		}
	}
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	os.MkdirAll(dataDir, 0o755)

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0o755)

	dbPath := getEnvOrDefault("RDSENTINEL_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "rdsentinel.db")
	}

	token := getEnvOrDefault("RDSENTINEL_PROVIDER_TOKEN", "")

	c := &Config{
		Port:                 getEnvOrDefault("RDSENTINEL_PORT", "8742"),
		LogLevel:             strings.ToLower(getEnvOrDefault("RDSENTINEL_LOG_LEVEL", "info")),
		DataDir:              dataDir,
		DatabasePath:         dbPath,
		LogDir:               logDir,
		MediaRoot:            getEnvOrDefault("RDSENTINEL_MEDIA_ROOT", "/media"),
		ProviderBaseURL:      getEnvOrDefault("RDSENTINEL_PROVIDER_BASE_URL", "https://api.real-debrid.com/rest/1.0"),
		ProviderToken:        token,
		DryRunDefault:        getEnvBoolOrDefault("RDSENTINEL_DRY_RUN", true),
		MaxRetryAttempts:     getEnvIntOrDefault("RDSENTINEL_MAX_RETRY_ATTEMPTS", 3),
		ScanIntervalMinutes:  getEnvIntOrDefault("RDSENTINEL_SCAN_INTERVAL_MINUTES", 10),
		MaxConcurrentTests:   getEnvIntOrDefault("RDSENTINEL_MAX_CONCURRENT_TORRENTS", 10),
		RateGateMaxPerMinute: getEnvIntOrDefault("RDSENTINEL_RATEGATE_MAX_PER_MINUTE", 250),
		RateGateWindow:       getEnvDurationOrDefault("RDSENTINEL_RATEGATE_WINDOW", 60*time.Second),
		RateGateCallTimeout:  getEnvDurationOrDefault("RDSENTINEL_RATEGATE_TIMEOUT", 60*time.Second),
		RetryHold:            getEnvDurationOrDefault("RDSENTINEL_RETRY_HOLD", 3*time.Hour),
		RefreshWindow:        getEnvDurationOrDefault("RDSENTINEL_WALKER_REFRESH_WINDOW", 24*time.Hour),
		WalkerConcurrency:    getEnvIntOrDefault("RDSENTINEL_WALKER_CONCURRENCY", 6),
		WalkerBatchSize:      getEnvIntOrDefault("RDSENTINEL_WALKER_BATCH_SIZE", 10),

		TestLoopInterval:       getEnvDurationOrDefault("RDSENTINEL_TEST_LOOP_INTERVAL", 5*time.Minute),
		CleanupLoopInterval:    getEnvDurationOrDefault("RDSENTINEL_CLEANUP_LOOP_INTERVAL", 2*time.Minute),
		MonitoringLoopInterval: getEnvDurationOrDefault("RDSENTINEL_MONITORING_LOOP_INTERVAL", 5*time.Minute),

		CorrelatorMatchThreshold: getEnvFloatOrDefault("RDSENTINEL_CORRELATOR_THRESHOLD", 0.7),
		CleanupMatchThreshold:    getEnvFloatOrDefault("RDSENTINEL_CLEANUP_MATCH_THRESHOLD", 0.6),

		PriorityHighStatuses:  []string{"magnet_error"},
		PriorityHighMinSizeGB: getEnvFloatOrDefault("RDSENTINEL_PRIORITY_HIGH_MIN_SIZE_GB", 1.0),
		PriorityHighMaxAgeHrs: getEnvFloatOrDefault("RDSENTINEL_PRIORITY_HIGH_MAX_AGE_HOURS", 24),
		PriorityLowMaxSizeMB:  getEnvFloatOrDefault("RDSENTINEL_PRIORITY_LOW_MAX_SIZE_MB", 100),
		PriorityLowMinAgeDays: getEnvFloatOrDefault("RDSENTINEL_PRIORITY_LOW_MIN_AGE_DAYS", 7),

		APIKey:     getEnvOrDefault("RDSENTINEL_API_KEY", ""),
		CORSOrigin: getEnvOrDefault("RDSENTINEL_CORS_ORIGIN", ""),

		EncryptionKeyPath: getEnvOrDefault("RDSENTINEL_ENCRYPTION_KEY_PATH", filepath.Join(dataDir, ".encryption_key")),

		Indexers: defaultIndexers(),
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}

	if urls := getEnvOrDefault("RDSENTINEL_NOTIFY_URLS", ""); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.NotifyURLs = append(c.NotifyURLs, u)
			}
		}
	}

	if err := c.validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	cfg = c
	return c
}

func defaultIndexers() []IndexerConfig {
	return []IndexerConfig{
		{
			Name:          "sonarr",
			BaseURL:       getEnvOrDefault("RDSENTINEL_SONARR_URL", "http://localhost:8989"),
			APIKeyPath:    getEnvOrDefault("RDSENTINEL_SONARR_CONFIG_PATH", ""),
			RescanCommand: "RescanSeries",
			SearchCommand: "missingEpisodeSearch",
		},
		{
			Name:          "radarr",
			BaseURL:       getEnvOrDefault("RDSENTINEL_RADARR_URL", "http://localhost:7878"),
			APIKeyPath:    getEnvOrDefault("RDSENTINEL_RADARR_CONFIG_PATH", ""),
			RescanCommand: "RescanMovie",
			SearchCommand: "MissingMoviesSearch",
		},
	}
}

func (c *Config) validate() error {
	if c.ProviderToken == "" {
		return fmt.Errorf("RDSENTINEL_PROVIDER_TOKEN is required")
	}
	if len(c.ProviderToken) < 20 {
		return fmt.Errorf("RDSENTINEL_PROVIDER_TOKEN must be at least 20 characters")
	}
	if c.RateGateMaxPerMinute <= 0 {
		return fmt.Errorf("RDSENTINEL_RATEGATE_MAX_PER_MINUTE must be positive")
	}
	return nil
}

// Get returns the current configuration. Panics if Load() hasn't run.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to install a config without Load().
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                     "0",
		LogLevel:                 "debug",
		DataDir:                  "/tmp/rdsentinel-test",
		DatabasePath:             ":memory:",
		LogDir:                   "/tmp/rdsentinel-test/logs",
		MediaRoot:                "/tmp/rdsentinel-test/media",
		ProviderBaseURL:          "http://127.0.0.1:0",
		ProviderToken:            "test-token-with-enough-characters",
		DryRunDefault:            true,
		MaxRetryAttempts:         3,
		ScanIntervalMinutes:      10,
		MaxConcurrentTests:       10,
		RateGateMaxPerMinute:     250,
		RateGateWindow:           60 * time.Second,
		RateGateCallTimeout:      60 * time.Second,
		RetryHold:                3 * time.Hour,
		RefreshWindow:            24 * time.Hour,
		WalkerConcurrency:        6,
		WalkerBatchSize:          10,
		TestLoopInterval:         50 * time.Millisecond,
		CleanupLoopInterval:      50 * time.Millisecond,
		MonitoringLoopInterval:   50 * time.Millisecond,
		CorrelatorMatchThreshold: 0.7,
		CleanupMatchThreshold:    0.6,
		PriorityHighStatuses:     []string{"magnet_error"},
		PriorityHighMinSizeGB:    1.0,
		PriorityHighMaxAgeHrs:    24,
		PriorityLowMaxSizeMB:     100,
		PriorityLowMinAgeDays:    7,
		Indexers:                 defaultIndexers(),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		lower := strings.ToLower(v)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
