package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App        AppConfig
	Database   DBConfig
	Redis      RedisConfig
	Gemini     GeminiConfig
	JobFeed    JobFeedConfig
	Automation AutomationConfig
	Scheduler  SchedulerConfig
	Resilience ResilienceConfig
	Vector     VectorConfig
	Worker     WorkerConfig
}

type AppConfig struct {
	Name     string
	Env      string
	Port     string
	LogJSON  bool
	LogDebug bool
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	TTL      time.Duration
}

type GeminiConfig struct {
	APIKey     string
	EmbedModel string
}

type JobFeedConfig struct {
	BaseURL  string
	APIKey   string
	Source   string
	PageSize int
	MaxPages int
}

type AutomationConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	PollSLA       time.Duration
}

type SchedulerConfig struct {
	SweepInterval       time.Duration
	IngestInterval      time.Duration
	PollScanInterval    time.Duration
	RecoverInterval     time.Duration
	RetentionWindow     time.Duration
	BackpressureCeiling int
	DefaultThreshold    float64
	PollBatch           int
	EmbedBacklog        int
}

type ResilienceConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerMaxCool   time.Duration
}

type VectorConfig struct {
	Dim        int
	TopK       int
	IndexLists int
	Probes     int
}

type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	StaleAfter   time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
}

var errMissingRequiredEnv = errors.New("missing required environment variables")

// Load reads the whole configuration from the environment in one pass,
// collecting every missing required key into a single error. The result
// is handed to constructors explicitly; nothing reads the environment
// after startup.
func Load() (Config, error) {
	var missing []string
	req := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	opt := func(key, def string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return def
		}
		return v
	}
	optInt := func(key string, def int) int {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}
	optFloat := func(key string, def float64) float64 {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return def
		}
		return f
	}
	optBool := func(key string) bool {
		v := strings.TrimSpace(os.Getenv(key))
		return v == "true" || v == "1"
	}
	optDur := func(key string, def time.Duration) time.Duration {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return def
		}
		return d
	}

	cfg := Config{
		App: AppConfig{
			Name:     opt("APP_NAME", "jobraker-engine"),
			Env:      opt("APP_ENV", "development"),
			Port:     opt("APP_PORT", ":3000"),
			LogJSON:  optBool("LOG_JSON"),
			LogDebug: optBool("LOG_DEBUG"),
		},
		Database: DBConfig{
			Host:     req("DB_HOST"),
			Port:     opt("DB_PORT", "5432"),
			User:     req("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     req("DB_NAME"),
			SSLMode:  opt("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     opt("REDIS_HOST", "localhost"),
			Port:     opt("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			TTL:      optDur("REDIS_TTL", 24*time.Hour),
		},
		Gemini: GeminiConfig{
			APIKey:     req("GEMINI_API_KEY"),
			EmbedModel: opt("GEMINI_EMBED_MODEL", "gemini-embedding-001"),
		},
		JobFeed: JobFeedConfig{
			BaseURL:  req("JOBFEED_BASE_URL"),
			APIKey:   os.Getenv("JOBFEED_API_KEY"),
			Source:   opt("JOBFEED_SOURCE", "default"),
			PageSize: optInt("JOBFEED_PAGE_SIZE", 100),
			MaxPages: optInt("JOBFEED_MAX_PAGES", 50),
		},
		Automation: AutomationConfig{
			BaseURL:       req("AUTOMATION_BASE_URL"),
			APIKey:        os.Getenv("AUTOMATION_API_KEY"),
			WebhookSecret: req("AUTOMATION_WEBHOOK_SECRET"),
			PollSLA:       optDur("AUTOMATION_POLL_SLA", 15*time.Minute),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:       optDur("SWEEP_INTERVAL", 30*time.Minute),
			IngestInterval:      optDur("INGEST_INTERVAL", 15*time.Minute),
			PollScanInterval:    optDur("POLL_SCAN_INTERVAL", 5*time.Minute),
			RecoverInterval:     optDur("RECOVER_INTERVAL", time.Minute),
			RetentionWindow:     optDur("POSTING_RETENTION", 14*24*time.Hour),
			BackpressureCeiling: optInt("BACKPRESSURE_CEILING", 500),
			DefaultThreshold:    optFloat("DEFAULT_MATCH_THRESHOLD", 0.8),
			PollBatch:           optInt("POLL_BATCH", 100),
			EmbedBacklog:        optInt("EMBED_BACKLOG", 200),
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      optInt("RETRY_MAX_ATTEMPTS", 4),
			BaseDelay:        optDur("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:         optDur("RETRY_MAX_DELAY", 30*time.Second),
			RequestTimeout:   optDur("REQUEST_TIMEOUT", 60*time.Second),
			BreakerThreshold: optInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  optDur("BREAKER_COOLDOWN", 30*time.Second),
			BreakerMaxCool:   optDur("BREAKER_MAX_COOLDOWN", 10*time.Minute),
		},
		Vector: VectorConfig{
			Dim:        optInt("VECTOR_DIM", 1536),
			TopK:       optInt("VECTOR_TOP_K", 50),
			IndexLists: optInt("VECTOR_INDEX_LISTS", 100),
			Probes:     optInt("VECTOR_PROBES", 10),
		},
		Worker: WorkerConfig{
			Count:        optInt("WORKER_COUNT", 4),
			PollInterval: optDur("WORKER_POLL_INTERVAL", time.Second),
			StaleAfter:   optDur("WORKER_STALE_AFTER", 10*time.Minute),
			RetryBase:    optDur("WORKER_RETRY_BASE", 30*time.Second),
			RetryMax:     optDur("WORKER_RETRY_MAX", 30*time.Minute),
		},
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", errMissingRequiredEnv, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// DSN renders the Postgres connection string for gorm.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// Addr renders host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}
