// Package config handles environment-based configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Store backend selectors.
const (
	StoreBackendSQLite   = "sqlite"
	StoreBackendPostgres = "postgres"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress string
	Port          int

	// Identity
	SelfBaseURL string // public URL of this hub, advertised in rel=hub links

	// Policy
	PublicHub            bool // create topics on first mention; reject unknown topics otherwise
	StrictTopicHubLink   bool // delist topics that stop advertising this hub
	StrictSecureCallback bool // secret over insecure callback: error instead of warning

	// Store
	StoreBackend         string
	SQLiteStateDir       string
	PostgresDSN          string
	PostgresCacheEnabled bool

	// Lease defaults for newly created topics
	LeaseSecondsPreferred int
	LeaseSecondsMin       int
	LeaseSecondsMax       int

	// Worker
	WorkerConcurrency int
	ClaimLeaseSeconds int
	WorkPollInterval  time.Duration
	WorkPollJitter    time.Duration
	InlineProcessing  bool // claim-and-process immediately after ingress inserts

	// Outbound HTTP
	HTTPTimeout           time.Duration
	UserAgent             string // empty: derived from build info at startup
	OutboundRatePerSecond float64
	OutboundRateBurst     int

	// Retry tables (seconds, clamped-to-last indexing)
	FetchRetryDelays    []time.Duration
	VerifyRetryDelays   []time.Duration
	DeliveryRetryDelays []time.Duration

	// Maintenance
	MaintenanceSchedule       string
	ContentHistoryRetainCount int

	// Auth (must be defined; empty means admin auth disabled)
	AdminToken string

	// GeoIP (optional; empty disables callback geo tagging)
	GeoIPDBPath string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("WSHUB_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("WSHUB_PORT", 4001, &errs)

	// --- Identity ---
	cfg.SelfBaseURL = strings.TrimRight(strings.TrimSpace(envStr("WSHUB_SELF_BASE_URL", "")), "/")

	// --- Policy ---
	cfg.PublicHub = envBool("WSHUB_PUBLIC_HUB", true, &errs)
	cfg.StrictTopicHubLink = envBool("WSHUB_STRICT_TOPIC_HUB_LINK", true, &errs)
	cfg.StrictSecureCallback = envBool("WSHUB_STRICT_SECURE_CALLBACK", false, &errs)

	// --- Store ---
	cfg.StoreBackend = envStr("WSHUB_STORE_BACKEND", StoreBackendSQLite)
	cfg.SQLiteStateDir = envStr("WSHUB_SQLITE_STATE_DIR", "/var/lib/websub-hub")
	cfg.PostgresDSN = envStr("WSHUB_POSTGRES_DSN", "")
	cfg.PostgresCacheEnabled = envBool("WSHUB_POSTGRES_CACHE_ENABLED", true, &errs)

	// --- Lease defaults ---
	cfg.LeaseSecondsPreferred = envInt("WSHUB_LEASE_SECONDS_PREFERRED", 86400, &errs)
	cfg.LeaseSecondsMin = envInt("WSHUB_LEASE_SECONDS_MIN", 300, &errs)
	cfg.LeaseSecondsMax = envInt("WSHUB_LEASE_SECONDS_MAX", 864000, &errs)

	// --- Worker ---
	cfg.WorkerConcurrency = envInt("WSHUB_WORKER_CONCURRENCY", 10, &errs)
	cfg.ClaimLeaseSeconds = envInt("WSHUB_CLAIM_LEASE_SECONDS", 300, &errs)
	cfg.WorkPollInterval = envDuration("WSHUB_WORK_POLL_INTERVAL", 5*time.Second, &errs)
	cfg.WorkPollJitter = envDuration("WSHUB_WORK_POLL_JITTER", 2*time.Second, &errs)
	cfg.InlineProcessing = envBool("WSHUB_INLINE_PROCESSING", true, &errs)

	// --- Outbound HTTP ---
	cfg.HTTPTimeout = envDuration("WSHUB_HTTP_TIMEOUT", 120*time.Second, &errs)
	cfg.UserAgent = envStr("WSHUB_USER_AGENT", "")
	cfg.OutboundRatePerSecond = envFloat("WSHUB_OUTBOUND_RATE_PER_SECOND", 0, &errs)
	cfg.OutboundRateBurst = envInt("WSHUB_OUTBOUND_RATE_BURST", 10, &errs)

	// --- Retry tables ---
	defaultDelays := []int{60, 120, 360, 1440, 7200, 43200, 86400}
	cfg.FetchRetryDelays = envDelaySeconds("WSHUB_FETCH_RETRY_DELAYS", defaultDelays, &errs)
	cfg.VerifyRetryDelays = envDelaySeconds("WSHUB_VERIFY_RETRY_DELAYS", defaultDelays, &errs)
	cfg.DeliveryRetryDelays = envDelaySeconds("WSHUB_DELIVERY_RETRY_DELAYS", defaultDelays, &errs)

	// --- Maintenance ---
	cfg.MaintenanceSchedule = envStr("WSHUB_MAINTENANCE_SCHEDULE", "17 4 * * *")
	cfg.ContentHistoryRetainCount = envInt("WSHUB_CONTENT_HISTORY_RETAIN_COUNT", 30, &errs)

	// --- Auth ---
	adminToken, hasAdminToken := os.LookupEnv("WSHUB_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("WSHUB_GEOIP_DB_PATH", "")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "WSHUB_LISTEN_ADDRESS must not be empty")
	}
	validatePort("WSHUB_PORT", cfg.Port, &errs)

	if cfg.SelfBaseURL == "" {
		errs = append(errs, "WSHUB_SELF_BASE_URL must be defined")
	} else if u, err := url.Parse(cfg.SelfBaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, fmt.Sprintf("WSHUB_SELF_BASE_URL: must be an absolute URL, got %q", cfg.SelfBaseURL))
	}

	switch cfg.StoreBackend {
	case StoreBackendSQLite:
		if cfg.SQLiteStateDir == "" {
			errs = append(errs, "WSHUB_SQLITE_STATE_DIR must not be empty")
		}
	case StoreBackendPostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, "WSHUB_POSTGRES_DSN required when WSHUB_STORE_BACKEND is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf(
			"WSHUB_STORE_BACKEND: invalid value %q (allowed: %s, %s)",
			cfg.StoreBackend, StoreBackendSQLite, StoreBackendPostgres,
		))
	}

	if cfg.LeaseSecondsMin < 0 {
		errs = append(errs, "WSHUB_LEASE_SECONDS_MIN must be non-negative")
	}
	if cfg.LeaseSecondsMin > cfg.LeaseSecondsPreferred || cfg.LeaseSecondsPreferred > cfg.LeaseSecondsMax {
		errs = append(errs, "lease seconds must satisfy min <= preferred <= max")
	}

	validatePositive("WSHUB_WORKER_CONCURRENCY", cfg.WorkerConcurrency, &errs)
	validatePositive("WSHUB_CLAIM_LEASE_SECONDS", cfg.ClaimLeaseSeconds, &errs)
	if cfg.WorkPollInterval <= 0 {
		errs = append(errs, "WSHUB_WORK_POLL_INTERVAL must be positive")
	}
	if cfg.WorkPollJitter < 0 {
		errs = append(errs, "WSHUB_WORK_POLL_JITTER must be non-negative")
	}
	if cfg.HTTPTimeout <= 0 {
		errs = append(errs, "WSHUB_HTTP_TIMEOUT must be positive")
	}
	if cfg.OutboundRatePerSecond < 0 {
		errs = append(errs, "WSHUB_OUTBOUND_RATE_PER_SECOND must be non-negative")
	}
	if cfg.OutboundRatePerSecond > 0 {
		validatePositive("WSHUB_OUTBOUND_RATE_BURST", cfg.OutboundRateBurst, &errs)
	}

	if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("WSHUB_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.MaintenanceSchedule, err))
	}
	validatePositive("WSHUB_CONTENT_HISTORY_RETAIN_COUNT", cfg.ContentHistoryRetainCount, &errs)

	if !hasAdminToken {
		errs = append(errs, "WSHUB_ADMIN_TOKEN must be defined (can be empty)")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

// envDelaySeconds parses a JSON integer array of seconds into durations.
func envDelaySeconds(key string, defaultVal []int, errs *[]string) []time.Duration {
	seconds := defaultVal
	if v := os.Getenv(key); v != "" {
		var parsed []int
		if err := json.Unmarshal([]byte(v), &parsed); err != nil || len(parsed) == 0 {
			*errs = append(*errs, fmt.Sprintf("%s: invalid JSON integer array %q", key, v))
		} else {
			seconds = parsed
		}
	}
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		if s <= 0 {
			*errs = append(*errs, fmt.Sprintf("%s: delays must be positive, got %d", key, s))
			continue
		}
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
