// Package config fills `env`-tagged structs from the process environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Validator is implemented by configs with rules that span several fields.
type Validator interface {
	Validate() error
}

// Option adjusts how Load reads variables.
type Option func(*env.Options)

// WithPrefix prepends prefix to every variable name, e.g. "STOREFRONT_".
func WithPrefix(prefix string) Option {
	return func(o *env.Options) { o.Prefix = prefix }
}

// WithEnvironment reads from vars instead of the process environment.
func WithEnvironment(vars map[string]string) Option {
	return func(o *env.Options) { o.Environment = vars }
}

// Load parses into cfg, a pointer to an `env`-tagged struct, then runs its
// Validate method if it has one.
func Load(cfg any, opts ...Option) error {
	var o env.Options
	for _, opt := range opts {
		opt(&o)
	}
	if err := env.ParseWithOptions(cfg, o); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	return nil
}
