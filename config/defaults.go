package config

import "github.com/spf13/viper"

// SetDefaults sets default values for all configuration keys
func SetDefaults(v *viper.Viper) {
	// Hub server
	v.SetDefault("hub.port", DefaultHubPort)
	v.SetDefault("hub.health_port", 0)
	v.SetDefault("hub.keepalive_interval_ms", 30000)
	v.SetDefault("hub.max_message_bytes", 10*1024*1024)

	// Operation manager
	v.SetDefault("operations.timeout_ms", 180000)
	v.SetDefault("operations.cleanup_age_ms", 3600000)
	v.SetDefault("operations.abandon_age_ms", 7200000)
	v.SetDefault("operations.snapshot_path", "")

	// Reconnection backoff
	v.SetDefault("reconnect.base_ms", 1000)
	v.SetDefault("reconnect.max_ms", 30000)
	v.SetDefault("reconnect.max_attempts", -1)

	// AutoHub client
	v.SetDefault("client.force_hub_creation", false)
	v.SetDefault("client.parent_pid", 0)
}

// BindEnvKnobs binds the documented bare environment variable names in
// addition to the TABHUB_-prefixed forms that AutomaticEnv provides.
// The bare names are the stable operator contract.
func BindEnvKnobs(v *viper.Viper) {
	v.BindEnv("hub.port", "TABHUB_HUB_PORT", "HUB_PORT")
	v.BindEnv("hub.health_port", "TABHUB_HUB_HEALTH_PORT", "HEALTH_PORT")
	v.BindEnv("hub.keepalive_interval_ms", "TABHUB_HUB_KEEPALIVE_INTERVAL_MS", "KEEPALIVE_INTERVAL_MS")
	v.BindEnv("operations.timeout_ms", "TABHUB_OPERATIONS_TIMEOUT_MS", "OPERATION_TIMEOUT_MS")
	v.BindEnv("operations.cleanup_age_ms", "TABHUB_OPERATIONS_CLEANUP_AGE_MS", "OPERATION_CLEANUP_AGE_MS")
	v.BindEnv("operations.snapshot_path", "TABHUB_OPERATIONS_SNAPSHOT_PATH", "SNAPSHOT_PATH")
	v.BindEnv("reconnect.base_ms", "TABHUB_RECONNECT_BASE_MS", "RECONNECT_BASE_MS")
	v.BindEnv("reconnect.max_ms", "TABHUB_RECONNECT_MAX_MS", "RECONNECT_MAX_MS")
	v.BindEnv("reconnect.max_attempts", "TABHUB_RECONNECT_MAX_ATTEMPTS", "MAX_RECONNECT_ATTEMPTS")
	v.BindEnv("client.force_hub_creation", "TABHUB_CLIENT_FORCE_HUB_CREATION", "FORCE_HUB_CREATION")
	v.BindEnv("client.parent_pid", "TABHUB_CLIENT_PARENT_PID", "PARENT_PID")
}
