package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	DatabaseURL string
	SQLitePath  string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	RedisAddr     string
	RedisPassword string

	HTTPAddr    string
	JWTSecret   string
	MetricsAddr string

	GeofenceRadius      float64
	TickInterval        time.Duration
	LocationMinDistance float64
	LocationMinInterval time.Duration
	HistoryLimit        int
	PermissionTimeout   time.Duration
	WriteTimeout        time.Duration

	LogLevel log.Level
	Location *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Embedded SQLite wins over Postgres when set
	cfg.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))

	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	switch {
	case dsn != "":
		cfg.DatabaseURL = dsn
	case cfg.SQLitePath == "":
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE, DATABASE_URL or SQLITE_PATH must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "tracker")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Redis is optional; without it notification flags live in SQL
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	if cfg.GeofenceRadius, err = positiveFloat("GEOFENCE_RADIUS_M", 150); err != nil {
		return nil, err
	}
	if cfg.LocationMinDistance, err = positiveFloat("LOCATION_MIN_DISTANCE_M", 50); err != nil {
		return nil, err
	}
	if cfg.TickInterval, err = positiveDuration("TICK_INTERVAL_SEC", time.Second, 30); err != nil {
		return nil, err
	}
	if cfg.LocationMinInterval, err = positiveDuration("LOCATION_MIN_INTERVAL_SEC", time.Second, 60); err != nil {
		return nil, err
	}
	if cfg.PermissionTimeout, err = positiveDuration("PERMISSION_TIMEOUT_MS", time.Millisecond, 5000); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = positiveDuration("WRITE_TIMEOUT_MS", time.Millisecond, 5000); err != nil {
		return nil, err
	}

	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid HISTORY_LIMIT: %q", v)
		}
		cfg.HistoryLimit = n
	} else {
		cfg.HistoryLimit = 500
	}

	level, err := log.ParseLevel(getenvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", os.Getenv("LOG_LEVEL"))
	}
	cfg.LogLevel = level

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func positiveDuration(key string, unit time.Duration, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * unit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
