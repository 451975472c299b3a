package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Travelintrips/attendance2-sub000/internal/geo"
)

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

type Config struct {
	Port                string
	Env                 string
	BotURL              string
	StoreDriver         string
	MongoURI            string
	MongoDB             string
	PostgresDSN         string
	PostgresAttempts    int
	MattermostURL       string
	AttendanceBotToken  string
	AttendanceChannelID string
	Timezone            string
	DefaultLocale       string
	Office              geo.Zone
	GateMaxAge          time.Duration
	FixTimeout          time.Duration
	FixMaxAge           time.Duration
	SessionIdle         time.Duration
	SessionSweep        time.Duration
	WatchChanges        bool
}

// Load reads configuration from the environment, after loading .env if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "3000"),
		Env:                 getEnv("ENV", "development"),
		BotURL:              getEnv("BOT_URL", "http://bot-service:3000"),
		StoreDriver:         strings.ToLower(getEnv("STORE_DRIVER", StoreMongo)),
		MongoURI:            getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDB:             getEnv("MONGODB_DATABASE", "attendance"),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		PostgresAttempts:    getEnvInt("POSTGRES_CONNECT_ATTEMPTS", 10),
		MattermostURL:       strings.TrimRight(getEnv("MATTERMOST_URL", "http://localhost:8065"), "/"),
		AttendanceBotToken:  getEnv("ATTENDANCE_BOT_TOKEN", ""),
		AttendanceChannelID: getEnv("ATTENDANCE_CHANNEL_ID", ""),
		Timezone:            getEnv("TZ_OFFICE", "Asia/Jakarta"),
		DefaultLocale:       getEnv("DEFAULT_LOCALE", "en"),
		Office: geo.Zone{
			Name: getEnv("OFFICE_NAME", "Office"),
			Center: geo.Point{
				Lat: getEnvFloat("OFFICE_LAT", 0),
				Lng: getEnvFloat("OFFICE_LNG", 0),
			},
			RadiusMeters: getEnvFloat("OFFICE_RADIUS_M", 100),
		},
		GateMaxAge:   getEnvDuration("LOCATION_GATE_MAX_AGE", 2*time.Minute),
		FixTimeout:   getEnvDuration("LOCATION_FIX_TIMEOUT", 10*time.Second),
		FixMaxAge:    getEnvDuration("LOCATION_FIX_MAX_AGE", 30*time.Second),
		SessionIdle:  getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		SessionSweep: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		WatchChanges: getEnvBool("WATCH_CHANGES", true),
	}

	var problems []string
	switch cfg.StoreDriver {
	case StoreMongo:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			problems = append(problems, "POSTGRES_DSN is required for STORE_DRIVER=postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", cfg.StoreDriver))
	}
	if os.Getenv("OFFICE_LAT") == "" || os.Getenv("OFFICE_LNG") == "" {
		problems = append(problems, "OFFICE_LAT and OFFICE_LNG are required")
	} else if err := cfg.Office.Validate(); err != nil {
		problems = append(problems, "office zone: "+err.Error())
	}
	if len(problems) > 0 {
		return cfg, errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
