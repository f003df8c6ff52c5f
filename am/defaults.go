package am

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "loom.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8820"})

	v.SetDefault("pulse.ticker_interval_seconds", 60)
	v.SetDefault("pulse.record_workers", 4)
	v.SetDefault("pulse.action_timeout_seconds", 120)
	v.SetDefault("pulse.actions_per_minute", 0)
	v.SetDefault("pulse.lease_seconds", 900)
}
