package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/crewdeskhq/crewdesk/internal/pkg/env"
)

// Config carries the tunables of the billing subsystem. Values come from the
// environment in production; tests construct it directly.
type Config struct {
	// TrialDays is the length of a newly started trial.
	TrialDays int
	// FallbackEnabled controls whether entitlement resolution may fall back
	// to the local subscription cache when the remote provider is unreachable.
	FallbackEnabled bool
	// StaleThreshold marks local fallback data older than this as stale.
	StaleThreshold time.Duration
	// RemoteTimeout bounds every call to the remote billing provider.
	RemoteTimeout time.Duration
	// RemotePageLimit bounds the number of subscriptions fetched per customer.
	RemotePageLimit int
	// PaymentFailureThreshold is the attempt count at which a failed payment
	// escalates the local subscription to past_due.
	PaymentFailureThreshold int64
	// DefaultBatchSize is the chunk size for population sync when the caller
	// does not specify one.
	DefaultBatchSize int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		TrialDays:               14,
		FallbackEnabled:         true,
		StaleThreshold:          24 * time.Hour,
		RemoteTimeout:           15 * time.Second,
		RemotePageLimit:         10,
		PaymentFailureThreshold: 3,
		DefaultBatchSize:        50,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// the defaults for anything unset or unparsable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v, err := strconv.Atoi(env.GetEnv("TRIAL_DAYS", "")); err == nil && v > 0 {
		cfg.TrialDays = v
	}
	switch strings.ToLower(env.GetEnv("BILLING_FALLBACK_ENABLED", "true")) {
	case "false", "0", "no":
		cfg.FallbackEnabled = false
	}
	if v, err := strconv.Atoi(env.GetEnv("BILLING_STALE_HOURS", "")); err == nil && v > 0 {
		cfg.StaleThreshold = time.Duration(v) * time.Hour
	}
	if v, err := strconv.Atoi(env.GetEnv("BILLING_REMOTE_TIMEOUT_SECONDS", "")); err == nil && v > 0 {
		cfg.RemoteTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(env.GetEnv("BILLING_REMOTE_PAGE_LIMIT", "")); err == nil && v > 0 {
		cfg.RemotePageLimit = v
	}
	if v, err := strconv.ParseInt(env.GetEnv("PAYMENT_FAILURE_THRESHOLD", ""), 10, 64); err == nil && v > 0 {
		cfg.PaymentFailureThreshold = v
	}
	if v, err := strconv.Atoi(env.GetEnv("BILLING_SYNC_BATCH_SIZE", "")); err == nil && v > 0 {
		cfg.DefaultBatchSize = v
	}
	return cfg
}
