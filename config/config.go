package config

import "time"

// Config represents the core tabhub configuration
type Config struct {
	Hub        HubConfig        `mapstructure:"hub"`
	Operations OperationsConfig `mapstructure:"operations"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Client     ClientConfig     `mapstructure:"client"`
}

// HubConfig configures the hub server
type HubConfig struct {
	Port                int `mapstructure:"port"`                  // Websocket bind port (default: 54321)
	HealthPort          int `mapstructure:"health_port"`           // HTTP health endpoint port (0 = disabled)
	KeepaliveIntervalMS int `mapstructure:"keepalive_interval_ms"` // Socket ping period
	MaxMessageBytes     int `mapstructure:"max_message_bytes"`     // Read limit per frame
}

// OperationsConfig configures the operation manager
type OperationsConfig struct {
	TimeoutMS    int    `mapstructure:"timeout_ms"`     // Default per-request deadline for extension calls
	CleanupAgeMS int    `mapstructure:"cleanup_age_ms"` // Terminal operations older than this are swept
	AbandonAgeMS int    `mapstructure:"abandon_age_ms"` // Non-terminal operations older than this are abandoned
	SnapshotPath string `mapstructure:"snapshot_path"`  // Operation table snapshot file ("" = no persistence)
}

// ReconnectConfig configures client reconnection backoff
type ReconnectConfig struct {
	BaseMS      int `mapstructure:"base_ms"`      // Initial backoff delay
	MaxMS       int `mapstructure:"max_ms"`       // Backoff ceiling
	MaxAttempts int `mapstructure:"max_attempts"` // -1 = unbounded, 0 = never reconnect
}

// ClientConfig configures AutoHub client behavior
type ClientConfig struct {
	ForceHubCreation bool `mapstructure:"force_hub_creation"` // Skip connect-to-existing step of discovery
	ParentPID        int  `mapstructure:"parent_pid"`         // Enable parent-liveness monitor (0 = disabled)
}

// Default port constants
const (
	DefaultHubPort = 54321 // Well-known loopback port shared by all clients on a host
)

// KeepaliveInterval returns the socket ping period as a duration.
func (c HubConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}

// Timeout returns the default request deadline as a duration.
func (c OperationsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CleanupAge returns the terminal-operation sweep age as a duration.
func (c OperationsConfig) CleanupAge() time.Duration {
	return time.Duration(c.CleanupAgeMS) * time.Millisecond
}

// AbandonAge returns the non-terminal hard ceiling as a duration.
func (c OperationsConfig) AbandonAge() time.Duration {
	return time.Duration(c.AbandonAgeMS) * time.Millisecond
}

// Base returns the initial reconnect delay as a duration.
func (c ReconnectConfig) Base() time.Duration {
	return time.Duration(c.BaseMS) * time.Millisecond
}

// Max returns the reconnect delay ceiling as a duration.
func (c ReconnectConfig) Max() time.Duration {
	return time.Duration(c.MaxMS) * time.Millisecond
}
