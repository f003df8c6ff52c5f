package action

import (
	"time"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// FromConfig builds a registry from [[actions]] entries.
// timeout bounds webhook round trips on top of the per-invocation context deadline.
func FromConfig(actions []am.ActionConfig, timeout time.Duration) (*Registry, error) {
	reg := NewRegistry()
	for i, cfg := range actions {
		if cfg.ID == "" {
			return nil, errors.NewConfigurationError("actions[%d]: id is required", i)
		}
		if reg.Has(cfg.ID) {
			return nil, errors.NewConfigurationError("actions[%d]: duplicate id %q", i, cfg.ID)
		}
		def := definitionFromConfig(cfg)

		switch cfg.Kind {
		case am.ActionKindAssign:
			reg.Register(NewAssignHandler(def, cfg.Set))
		case am.ActionKindWebhook:
			if cfg.URL == "" {
				return nil, errors.NewConfigurationError("action %q: webhook requires url", cfg.ID)
			}
			client := httpclient.NewSaferClientWithOptions(httpclient.Options{
				Timeout:             timeout,
				AllowPrivateNetwork: cfg.AllowPrivateNetwork,
			})
			if _, err := client.ValidateURL(cfg.URL); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "action %q", cfg.ID), errors.ErrConfiguration)
			}
			reg.Register(NewWebhookHandler(def, cfg.URL, cfg.Headers, client))
		default:
			return nil, errors.NewConfigurationError("action %q: unknown kind %q", cfg.ID, cfg.Kind)
		}
	}
	return reg, nil
}
