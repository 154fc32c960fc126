// Package config provides configuration loading for the battle service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local if they exist. godotenv.Load does not
// override variables that are already set, so the OS environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the battle service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty disables event publishing

	S3Endpoint   string // S3-compatible storage endpoint
	S3Region     string // S3 region
	S3Bucket     string // Bucket holding entry media
	S3AccessKey  string // S3 access key
	S3SecretKey  string // S3 secret key
	S3PublicHost string // Host under which bucket objects are served

	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Where signing keys are published

	AchievementsURL string   // Achievements service base URL; empty ranks everyone with zero unlocks
	MediaHosts      []string // Host suffixes accepted for entry media URLs

	VoteRateLimit  int           // Votes per voter per battle in VoteRateWindow
	VoteRateWindow time.Duration // Trailing window for VoteRateLimit
	SweepInterval  time.Duration // How often the status sweep runs

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultS3Region       = "us-east-1"
	defaultEnv            = "dev"
	defaultVoteRateLimit  = 20
	defaultVoteRateWindow = 5 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("BATTLE_ENV", defaultEnv),
		Port:           getEnv("BATTLE_PORT", defaultPort),
		DatabaseDSN:    os.Getenv("BATTLE_DB_DSN"),
		NATSURL:        os.Getenv("BATTLE_NATS_URL"),
		S3Endpoint:     os.Getenv("BATTLE_S3_ENDPOINT"),
		S3Region:       getEnv("BATTLE_S3_REGION", defaultS3Region),
		S3Bucket:       os.Getenv("BATTLE_S3_BUCKET"),
		S3AccessKey:    os.Getenv("BATTLE_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("BATTLE_S3_SECRET_KEY"),
		S3PublicHost:   os.Getenv("BATTLE_S3_PUBLIC_HOST"),
		JWTIssuer:      os.Getenv("BATTLE_JWT_ISSUER"),
		JWTAudience:    os.Getenv("BATTLE_JWT_AUDIENCE"),
		JWKSURL:        os.Getenv("BATTLE_JWKS_URL"),
		VoteRateLimit:  defaultVoteRateLimit,
		VoteRateWindow: defaultVoteRateWindow,
		SweepInterval:  defaultSweepInterval,
	}
	cfg.AchievementsURL = strings.TrimRight(os.Getenv("BATTLE_ACHIEVEMENTS_URL"), "/")
	cfg.MediaHosts = splitList(os.Getenv("BATTLE_MEDIA_HOSTS"))
	cfg.CORSAllowedOrigins = splitList(os.Getenv("BATTLE_CORS_ALLOWED_ORIGINS"))

	if v := os.Getenv("BATTLE_VOTE_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("BATTLE_VOTE_RATE_LIMIT must be a positive integer, got %q", v)
		}
		cfg.VoteRateLimit = n
	}

	var err error
	if cfg.VoteRateWindow, err = parseDuration("BATTLE_VOTE_RATE_WINDOW", defaultVoteRateWindow); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = parseDuration("BATTLE_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return cfg, err
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("BATTLE_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("BATTLE_JWT_AUDIENCE is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// splitList splits a comma separated value and drops empty items.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
