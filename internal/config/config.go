package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the fully processed client configuration. It is immutable
// after construction; every component receives it by pointer at build time.
type Config struct {
	// UserAgent is sent on every outbound request when non-empty.
	UserAgent string

	// Manifest (master playlist) loading. Failures here are fatal.
	ManifestLoadingTimeout       time.Duration
	ManifestLoadingMaxRetry      int
	ManifestLoadingRetryDelay    time.Duration
	ManifestLoadingMaxRetryDelay time.Duration

	// Variant and alternate-track playlist loading. HTTP retry is disabled
	// at this layer; the delivery machine owns retry for the active variant.
	LevelLoadingTimeout time.Duration

	// Fragment and key loading. The transport engine runs with MaxRetry 0;
	// these budgets belong to the delivery machine.
	FragLoadingTimeout       time.Duration
	FragLoadingMaxRetry      int
	FragLoadingRetryDelay    time.Duration
	FragLoadingMaxRetryDelay time.Duration
	KeyLoadingTimeout        time.Duration

	// MaxFragLookUpTolerance is the timing slack, in seconds, used when
	// matching a buffer position or PDT to a fragment.
	MaxFragLookUpTolerance float64

	// LiveSyncDurationCount is how many target durations from the live edge
	// playback starts on a live variant.
	LiveSyncDurationCount int

	// TickInterval is the cadence of the delivery machine's cooperative tick.
	TickInterval time.Duration

	// DropBacktracked selects the policy for a fragment that already went
	// through one backtrack attempt: false buffers it with the reported gap,
	// true withdraws it and advances past it.
	DropBacktracked bool

	// SidxProbeBytes bounds the range request used to read a segment index
	// when the init segment carries no explicit byte range.
	SidxProbeBytes int64
}

// rawConfig maps directly to the JSON file; durations are milliseconds.
type rawConfig struct {
	UserAgent                    string  `json:"UserAgent"`
	ManifestLoadingTimeoutMs     int     `json:"ManifestLoadingTimeoutMs"`
	ManifestLoadingMaxRetry      *int    `json:"ManifestLoadingMaxRetry"`
	ManifestLoadingRetryDelayMs  int     `json:"ManifestLoadingRetryDelayMs"`
	ManifestLoadingMaxRetryDelay int     `json:"ManifestLoadingMaxRetryDelayMs"`
	LevelLoadingTimeoutMs        int     `json:"LevelLoadingTimeoutMs"`
	FragLoadingTimeoutMs         int     `json:"FragLoadingTimeoutMs"`
	FragLoadingMaxRetry          *int    `json:"FragLoadingMaxRetry"`
	FragLoadingRetryDelayMs      int     `json:"FragLoadingRetryDelayMs"`
	FragLoadingMaxRetryDelayMs   int     `json:"FragLoadingMaxRetryDelayMs"`
	KeyLoadingTimeoutMs          int     `json:"KeyLoadingTimeoutMs"`
	MaxFragLookUpTolerance       float64 `json:"MaxFragLookUpTolerance"`
	LiveSyncDurationCount        int     `json:"LiveSyncDurationCount"`
	TickIntervalMs               int     `json:"TickIntervalMs"`
	DropBacktracked              bool    `json:"DropBacktracked"`
	SidxProbeBytes               int64   `json:"SidxProbeBytes"`
}

// Default returns the configuration used when no overrides are supplied.
func Default() *Config {
	return &Config{
		ManifestLoadingTimeout:       10 * time.Second,
		ManifestLoadingMaxRetry:      1,
		ManifestLoadingRetryDelay:    time.Second,
		ManifestLoadingMaxRetryDelay: 8 * time.Second,
		LevelLoadingTimeout:          10 * time.Second,
		FragLoadingTimeout:           20 * time.Second,
		FragLoadingMaxRetry:          6,
		FragLoadingRetryDelay:        time.Second,
		FragLoadingMaxRetryDelay:     4 * time.Second,
		KeyLoadingTimeout:            10 * time.Second,
		MaxFragLookUpTolerance:       0.25,
		LiveSyncDurationCount:        3,
		TickInterval:                 100 * time.Millisecond,
		DropBacktracked:              false,
		SidxProbeBytes:               2048,
	}
}

// Load reads a JSON config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	cfg := Default()
	cfg.UserAgent = raw.UserAgent
	if raw.ManifestLoadingTimeoutMs > 0 {
		cfg.ManifestLoadingTimeout = time.Duration(raw.ManifestLoadingTimeoutMs) * time.Millisecond
	}
	if raw.ManifestLoadingMaxRetry != nil {
		cfg.ManifestLoadingMaxRetry = *raw.ManifestLoadingMaxRetry
	}
	if raw.ManifestLoadingRetryDelayMs > 0 {
		cfg.ManifestLoadingRetryDelay = time.Duration(raw.ManifestLoadingRetryDelayMs) * time.Millisecond
	}
	if raw.ManifestLoadingMaxRetryDelay > 0 {
		cfg.ManifestLoadingMaxRetryDelay = time.Duration(raw.ManifestLoadingMaxRetryDelay) * time.Millisecond
	}
	if raw.LevelLoadingTimeoutMs > 0 {
		cfg.LevelLoadingTimeout = time.Duration(raw.LevelLoadingTimeoutMs) * time.Millisecond
	}
	if raw.FragLoadingTimeoutMs > 0 {
		cfg.FragLoadingTimeout = time.Duration(raw.FragLoadingTimeoutMs) * time.Millisecond
	}
	if raw.FragLoadingMaxRetry != nil {
		cfg.FragLoadingMaxRetry = *raw.FragLoadingMaxRetry
	}
	if raw.FragLoadingRetryDelayMs > 0 {
		cfg.FragLoadingRetryDelay = time.Duration(raw.FragLoadingRetryDelayMs) * time.Millisecond
	}
	if raw.FragLoadingMaxRetryDelayMs > 0 {
		cfg.FragLoadingMaxRetryDelay = time.Duration(raw.FragLoadingMaxRetryDelayMs) * time.Millisecond
	}
	if raw.KeyLoadingTimeoutMs > 0 {
		cfg.KeyLoadingTimeout = time.Duration(raw.KeyLoadingTimeoutMs) * time.Millisecond
	}
	if raw.MaxFragLookUpTolerance > 0 {
		cfg.MaxFragLookUpTolerance = raw.MaxFragLookUpTolerance
	}
	if raw.LiveSyncDurationCount > 0 {
		cfg.LiveSyncDurationCount = raw.LiveSyncDurationCount
	}
	if raw.TickIntervalMs > 0 {
		cfg.TickInterval = time.Duration(raw.TickIntervalMs) * time.Millisecond
	}
	cfg.DropBacktracked = raw.DropBacktracked
	if raw.SidxProbeBytes > 0 {
		cfg.SidxProbeBytes = raw.SidxProbeBytes
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config at %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	if c.ManifestLoadingTimeout <= 0 || c.LevelLoadingTimeout <= 0 ||
		c.FragLoadingTimeout <= 0 || c.KeyLoadingTimeout <= 0 {
		return fmt.Errorf("all loading timeouts must be positive")
	}
	if c.ManifestLoadingMaxRetry < 0 || c.FragLoadingMaxRetry < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}
	if c.MaxFragLookUpTolerance < 0 {
		return fmt.Errorf("MaxFragLookUpTolerance must not be negative")
	}
	if c.LiveSyncDurationCount <= 0 {
		return fmt.Errorf("LiveSyncDurationCount must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive")
	}
	if c.SidxProbeBytes <= 0 {
		return fmt.Errorf("SidxProbeBytes must be positive")
	}
	return nil
}
