// Package config loads service configuration from the environment. Every
// chronicle variable is prefixed CHRONICLE_ and declared via struct tags on
// the command's Config; flags layer on top for local overrides.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv populates target from its env struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
