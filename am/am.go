// Package am holds Loom's core configuration ("I am"): where the database
// lives, how the API listens, how the scheduler paces itself, and which
// actions are available to schedule steps.
package am

// Config represents the core Loom configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Actions  []ActionConfig `mapstructure:"actions" toml:"actions" json:"actions" yaml:"actions"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port" json:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// DefaultServerPort is the API port when none is configured
const DefaultServerPort = 8820

// PulseConfig configures the scheduler
type PulseConfig struct {
	// How often the dispatcher looks for due schedules. 0 disables the loop;
	// schedules then only run through "run now".
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds" json:"ticker_interval_seconds" yaml:"ticker_interval_seconds"`

	// Concurrent action invocations within one step
	RecordWorkers int `mapstructure:"record_workers" toml:"record_workers" json:"record_workers" yaml:"record_workers"`

	// Upper bound for a single action invocation
	ActionTimeoutSeconds int `mapstructure:"action_timeout_seconds" toml:"action_timeout_seconds" json:"action_timeout_seconds" yaml:"action_timeout_seconds"`

	// Node-wide cap on action invocations. 0 = unlimited.
	ActionsPerMinute int `mapstructure:"actions_per_minute" toml:"actions_per_minute" json:"actions_per_minute" yaml:"actions_per_minute"`

	// How long an execution claim is held before another dispatcher may
	// take the schedule over. Must outlast the longest expected run.
	LeaseSeconds int `mapstructure:"lease_seconds" toml:"lease_seconds" json:"lease_seconds" yaml:"lease_seconds"`
}

// Action kinds understood by the action registry
const (
	ActionKindWebhook = "webhook"
	ActionKindAssign  = "assign"
)

// ActionConfig declares an action that schedule steps can reference
type ActionConfig struct {
	ID           string                 `mapstructure:"id" toml:"id" json:"id" yaml:"id"`
	Name         string                 `mapstructure:"name" toml:"name" json:"name" yaml:"name"`
	Model        string                 `mapstructure:"model" toml:"model" json:"model" yaml:"model"`
	Kind         string                 `mapstructure:"kind" toml:"kind" json:"kind" yaml:"kind"`
	URL          string                 `mapstructure:"url" toml:"url,omitempty" json:"url,omitempty" yaml:"url,omitempty"`
	Headers      map[string]string      `mapstructure:"headers" toml:"headers,omitempty" json:"headers,omitempty" yaml:"headers,omitempty"`
	OutputFields []string               `mapstructure:"output_fields" toml:"output_fields" json:"output_fields" yaml:"output_fields"`
	Set          map[string]interface{} `mapstructure:"set" toml:"set,omitempty" json:"set,omitempty" yaml:"set,omitempty"`
	// AllowPrivateNetwork lets a webhook reach loopback and private
	// addresses, for actions served next to Loom.
	AllowPrivateNetwork bool `mapstructure:"allow_private_network" toml:"allow_private_network,omitempty" json:"allow_private_network,omitempty" yaml:"allow_private_network,omitempty"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
