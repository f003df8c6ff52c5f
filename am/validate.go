package am

import (
	"net/url"

	"github.com/teranos/loom/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	// 0 disables the periodic loop
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.RecordWorkers <= 0 {
		return errors.Newf("pulse.record_workers must be > 0, got %d", c.Pulse.RecordWorkers)
	}
	if c.Pulse.ActionTimeoutSeconds <= 0 {
		return errors.Newf("pulse.action_timeout_seconds must be > 0, got %d", c.Pulse.ActionTimeoutSeconds)
	}
	if c.Pulse.ActionsPerMinute < 0 {
		return errors.Newf("pulse.actions_per_minute must be >= 0, got %d", c.Pulse.ActionsPerMinute)
	}
	if c.Pulse.LeaseSeconds <= 0 {
		return errors.Newf("pulse.lease_seconds must be > 0, got %d", c.Pulse.LeaseSeconds)
	}

	seen := make(map[string]bool, len(c.Actions))
	for i, a := range c.Actions {
		if a.ID == "" {
			return errors.Newf("actions[%d].id cannot be empty", i)
		}
		if seen[a.ID] {
			return errors.Newf("actions[%d].id %q is declared twice", i, a.ID)
		}
		seen[a.ID] = true
		if a.Model == "" {
			return errors.Newf("action %q: model cannot be empty", a.ID)
		}
		switch a.Kind {
		case ActionKindWebhook:
			u, err := url.Parse(a.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return errors.Newf("action %q: webhook url %q is not absolute", a.ID, a.URL)
			}
		case ActionKindAssign:
			if len(a.Set) == 0 {
				return errors.Newf("action %q: assign action needs at least one value in set", a.ID)
			}
		default:
			return errors.WithHint(
				errors.Newf("action %q: unknown kind %q", a.ID, a.Kind),
				"supported kinds: webhook, assign")
		}
	}

	return nil
}
