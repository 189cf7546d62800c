package config

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// Validate checks a configuration for startability: struct tags first
// (required fields, ranges, enums), then the checks tags cannot express.
//
// A failed validation is configuration-fatal for the daemon: no inform
// is attempted with a config that does not pass here.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if err := validateACSURL(cfg.ACS.URL); err != nil {
		return err
	}

	return nil
}

// validateACSURL enforces the http/https scheme rule on the ACS
// endpoint.
func validateACSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("acs.url %q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("acs.url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("acs.url %q has no host", raw)
	}
	return nil
}
