package repository

import "time"

// Config enumerates the tunables of the commit engine and the event bus.
// Zero values mean "use the default"; Normalized fills them in.
type Config struct {
	// Commit engine.
	MaxBatchSize int

	// Event bus.
	MaxEventChainDepth       int
	EventPollInterval        time.Duration
	EventClaimLimit          int
	MaxEventsPerIteration    int
	EventClaimLease          time.Duration
	EventRetention           time.Duration
	SessionHeartbeatInterval time.Duration
	SessionTTL               time.Duration
	EventMaxAttempts         int
	EventBackoffBase         time.Duration
	EventBackoffMax          time.Duration

	// Object store.
	S3Region         string
	S3EndpointURL    string
	S3LockTimeout    time.Duration
	S3LeaseTTL       time.Duration
	S3RequestTimeout time.Duration
	S3MemoryLimit    string

	// Transactional backend lock acquisition budget.
	LockTimeout time.Duration

	// Namespace used by the bus when none is supplied.
	DefaultNamespace string
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:             1000,
		MaxEventChainDepth:       10,
		EventPollInterval:        250 * time.Millisecond,
		EventClaimLimit:          10,
		MaxEventsPerIteration:    100,
		EventClaimLease:          30 * time.Second,
		EventRetention:           7 * 24 * time.Hour,
		SessionHeartbeatInterval: 5 * time.Second,
		SessionTTL:               30 * time.Second,
		EventMaxAttempts:         5,
		EventBackoffBase:         500 * time.Millisecond,
		EventBackoffMax:          60 * time.Second,
		S3LockTimeout:            30 * time.Second,
		S3LeaseTTL:               30 * time.Second,
		S3RequestTimeout:         60 * time.Second,
		S3MemoryLimit:            "1GB",
		LockTimeout:              30 * time.Second,
		DefaultNamespace:         "default",
	}
}

// Normalized returns the config with zero values replaced by defaults.
func (c Config) Normalized() Config {
	defaults := DefaultConfig()
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = defaults.MaxBatchSize
	}
	if c.MaxEventChainDepth == 0 {
		c.MaxEventChainDepth = defaults.MaxEventChainDepth
	}
	if c.EventPollInterval == 0 {
		c.EventPollInterval = defaults.EventPollInterval
	}
	if c.EventClaimLimit == 0 {
		c.EventClaimLimit = defaults.EventClaimLimit
	}
	if c.MaxEventsPerIteration == 0 {
		c.MaxEventsPerIteration = defaults.MaxEventsPerIteration
	}
	if c.EventClaimLease == 0 {
		c.EventClaimLease = defaults.EventClaimLease
	}
	if c.EventRetention == 0 {
		c.EventRetention = defaults.EventRetention
	}
	if c.SessionHeartbeatInterval == 0 {
		c.SessionHeartbeatInterval = defaults.SessionHeartbeatInterval
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.EventMaxAttempts == 0 {
		c.EventMaxAttempts = defaults.EventMaxAttempts
	}
	if c.EventBackoffBase == 0 {
		c.EventBackoffBase = defaults.EventBackoffBase
	}
	if c.EventBackoffMax == 0 {
		c.EventBackoffMax = defaults.EventBackoffMax
	}
	if c.S3LockTimeout == 0 {
		c.S3LockTimeout = defaults.S3LockTimeout
	}
	if c.S3LeaseTTL == 0 {
		c.S3LeaseTTL = defaults.S3LeaseTTL
	}
	if c.S3RequestTimeout == 0 {
		c.S3RequestTimeout = defaults.S3RequestTimeout
	}
	if c.S3MemoryLimit == "" {
		c.S3MemoryLimit = defaults.S3MemoryLimit
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaults.LockTimeout
	}
	if c.DefaultNamespace == "" {
		c.DefaultNamespace = defaults.DefaultNamespace
	}
	return c
}
