package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	ListenAddr string

	DB struct {
		Driver   string
		DSN      string
		SeedFile string
	}

	Attendance struct {
		MaxBatchSize    int
		ScanInterval    time.Duration
		RecalcTimeout   time.Duration
		RecalcQueueSize int
	}

	RateLimit struct {
		RPS   float64
		Burst int
	}

	CORSAllowedOrigins []string
	PrometheusEnabled  bool
	TrustedProxies     []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.DB.Driver = strings.ToLower(getenvDefault("APP_DB_DRIVER", DriverPostgres))
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")
	cfg.DB.SeedFile = os.Getenv("APP_SEED_FILE")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			dsn := url.URL{
				Scheme:   "postgres",
				User:     url.UserPassword(user, password),
				Host:     net.JoinHostPort(host, port),
				Path:     "/" + name,
				RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
			}
			cfg.DB.DSN = dsn.String()
		}
	}

	var err error
	if cfg.Attendance.MaxBatchSize, err = getenvInt("APP_MAX_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.Attendance.ScanInterval, err = getenvDuration("APP_SCAN_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Attendance.RecalcTimeout, err = getenvDuration("APP_RECALC_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Attendance.RecalcQueueSize, err = getenvInt("APP_RECALC_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	rps, err := getenvInt("APP_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit.RPS = float64(rps)
	if cfg.RateLimit.Burst, err = getenvInt("APP_RATE_LIMIT_BURST", 50); err != nil {
		return nil, err
	}

	cfg.CORSAllowedOrigins = getenvList("APP_CORS_ALLOWED_ORIGINS")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	switch cfg.DB.Driver {
	case DriverPostgres:
		if cfg.DB.DSN == "" {
			return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("APP_DB_DRIVER must be %q or %q (got %q)", DriverPostgres, DriverMemory, cfg.DB.Driver)
	}
	if cfg.Attendance.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("APP_MAX_BATCH_SIZE must be positive (got %d)", cfg.Attendance.MaxBatchSize)
	}
	if cfg.Attendance.ScanInterval <= 0 {
		return nil, fmt.Errorf("APP_SCAN_INTERVAL must be positive (got %s)", cfg.Attendance.ScanInterval)
	}

	if len(cfg.TrustedProxies) == 0 {
		log.Println("[WARN] No APP_TRUSTED_PROXIES configured. Forwarded client addresses from any proxy will be trusted.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

// getenvDuration accepts Go durations ("90s") or a bare number of minutes.
func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
