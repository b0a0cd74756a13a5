package breaker

import (
	"time"

	"github.com/clawinfra/opsloop/internal/config"
)

// ConfigFrom converts the breaker section of the loaded configuration.
// Zero fields keep their defaults.
func ConfigFrom(c config.BreakerConfig) Config {
	cfg := DefaultConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.CooldownSec > 0 {
		cfg.Cooldown = c.Cooldown()
	}
	if c.MaxRetries >= 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.BaseBackoffMs > 0 {
		cfg.BaseBackoff = time.Duration(c.BaseBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}
