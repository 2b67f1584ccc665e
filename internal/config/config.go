package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full orchestrator configuration, built once at startup.
// DatabaseURL and MasterKey are required; everything else has a default
// or gates an optional subsystem.
type Config struct {
	DatabaseURL string
	MasterKey   []byte // decoded 32-byte AES key

	Port      string
	RedisAddr string // empty: in-memory creation lock

	// Automation agent endpoints are iproxy tunnels on the local host.
	AutomationHost string

	// Session budgets.
	WarmingDuration time.Duration // exactly 30 min of warming per session
	OverheadBudget  time.Duration // uninstall + reinstall + login
	SessionBudget   time.Duration // hard deadline for a whole session
	CooldownDelay   time.Duration // pause between sessions
	IdleDelay       time.Duration // sleep when no task is available
	ErrorBackoff    time.Duration // sleep after a device loop error

	HeartbeatStaleAfter time.Duration // reconciler marks devices disconnected past this

	// Creation gates. All three groups must be present for the creation
	// runner to be enabled; otherwise creation is skipped with a warning.
	CapsolverAPIKey    string
	TextVerifiedAPIKey string
	IMAPHost           string
	IMAPPort           int
	IMAPUsername       string
	IMAPPassword       string
	CreationEmail      string // catch-all mailbox address used for signups
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// FromEnv builds the configuration from the environment. A missing
// DATABASE_URL or SOVI_MASTER_KEY is a startup failure.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Port:               getenv("PORT", "8080"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		AutomationHost:     getenv("AUTOMATION_HOST", "localhost"),
		CapsolverAPIKey:    os.Getenv("CAPSOLVER_API_KEY"),
		TextVerifiedAPIKey: os.Getenv("TEXTVERIFIED_API_KEY"),
		IMAPHost:           os.Getenv("IMAP_HOST"),
		IMAPUsername:       os.Getenv("IMAP_USERNAME"),
		IMAPPassword:       os.Getenv("IMAP_PASSWORD"),
		CreationEmail:      os.Getenv("CREATION_EMAIL"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	rawKey := os.Getenv("SOVI_MASTER_KEY")
	if rawKey == "" {
		return nil, fmt.Errorf("SOVI_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("SOVI_MASTER_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SOVI_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.MasterKey = key

	if v := os.Getenv("IMAP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("IMAP_PORT: %w", err)
		}
		cfg.IMAPPort = p
	} else {
		cfg.IMAPPort = 993
	}

	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.WarmingDuration, "WARMING_DURATION", 30 * time.Minute},
		{&cfg.OverheadBudget, "SESSION_OVERHEAD_BUDGET", 15 * time.Minute},
		{&cfg.SessionBudget, "SESSION_TOTAL_BUDGET", 45 * time.Minute},
		{&cfg.CooldownDelay, "SESSION_COOLDOWN", 30 * time.Second},
		{&cfg.IdleDelay, "SCHEDULER_IDLE_DELAY", 30 * time.Second},
		{&cfg.ErrorBackoff, "SCHEDULER_ERROR_BACKOFF", 60 * time.Second},
		{&cfg.HeartbeatStaleAfter, "HEARTBEAT_STALE_AFTER", 5 * time.Minute},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	return cfg, nil
}

// CreationEnabled reports whether all external credentials required by the
// account creation runner are configured.
func (c *Config) CreationEnabled() bool {
	return c.CapsolverAPIKey != "" &&
		c.TextVerifiedAPIKey != "" &&
		c.IMAPHost != "" && c.IMAPUsername != "" && c.IMAPPassword != "" &&
		c.CreationEmail != ""
}
