package validate

import (
	"time"

	"github.com/clawinfra/opsloop/internal/config"
)

// SafetyFromConfig converts the safety section.
func SafetyFromConfig(c config.SafetyConfig) Safety {
	return Safety{MaxRegression: c.MaxRegression}
}

// ConfigFrom builds a validator Config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Safety:       SafetyFromConfig(cfg.Safety),
		Parallelism:  cfg.Validator.Parallelism,
		TrialTimeout: time.Duration(cfg.Validator.TimeoutSec) * time.Second,
	}
}
