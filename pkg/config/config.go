package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	Store     string // memory | file | sqlite | postgres | pgx | redis
	DataDir   string
	RedisAddr string

	PolicyFile      string
	Mode            string // real | development
	Simulate        bool
	Mock            bool
	AllowedBackends []string // overrides the policy allow-list when set

	JWTSecret string
	RateRPS   float64
	RateBurst int

	OTelEnabled  bool
	OTLPEndpoint string

	ExportSink   string // fs | s3 | gcs
	ExportDir    string
	ExportBucket string
	ExportPrefix string
	AWSRegion    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Store:           strings.ToLower(getenv("QLEDGER_STORE", "memory")),
		DataDir:         getenv("QLEDGER_DATA_DIR", "data"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		PolicyFile:      os.Getenv("QLEDGER_POLICY_FILE"),
		Mode:            getenv("QLEDGER_MODE", "real"),
		Simulate:        os.Getenv("QLEDGER_SIMULATE") == "true",
		Mock:            os.Getenv("QLEDGER_MOCK") == "true",
		AllowedBackends: splitList(os.Getenv("QLEDGER_ALLOWED_BACKENDS")),
		JWTSecret:       os.Getenv("QLEDGER_JWT_SECRET"),
		RateRPS:         getFloat("QLEDGER_RATE_RPS", 20),
		RateBurst:       getInt("QLEDGER_RATE_BURST", 40),
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ExportSink:      strings.ToLower(getenv("QLEDGER_EXPORT_SINK", "fs")),
		ExportDir:       getenv("QLEDGER_EXPORT_DIR", "exports"),
		ExportBucket:    os.Getenv("QLEDGER_EXPORT_BUCKET"),
		ExportPrefix:    os.Getenv("QLEDGER_EXPORT_PREFIX"),
		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
	}
}

// LoadWithDotEnv preloads variables from .env files before Load. Variables
// already set in the process environment win. Missing files are ignored.
func LoadWithDotEnv(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return Load(), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil || i <= 0 {
		return def
	}
	return i
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
