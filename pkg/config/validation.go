package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults; validation accepts
// both cases.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	switch cfg.State.Type {
	case "json":
		if path, _ := cfg.State.JSON["path"].(string); path == "" {
			return fmt.Errorf("state.json.path: required when state.type is json")
		}
	case "badger":
		if path, _ := cfg.State.Badger["db_path"].(string); path == "" {
			if inMem, _ := cfg.State.Badger["in_memory"].(bool); !inMem {
				return fmt.Errorf("state.badger.db_path: required when state.type is badger")
			}
		}
	}

	if cfg.Samba.ConfigPath != "" && !filepath.IsAbs(cfg.Samba.ConfigPath) {
		return fmt.Errorf("samba.config_path: must be absolute (got %q)", cfg.Samba.ConfigPath)
	}
	if cfg.Samba.AvahiServicePath != "" && !filepath.IsAbs(cfg.Samba.AvahiServicePath) {
		return fmt.Errorf("samba.avahi_service_path: must be absolute (got %q)", cfg.Samba.AvahiServicePath)
	}

	seen := make(map[string]bool)
	for i, unit := range append(append([]string{}, cfg.Services.SambaUnits...), cfg.Services.DiscoveryUnits...) {
		if seen[unit] {
			return fmt.Errorf("services[%d]: duplicate unit %q", i, unit)
		}
		seen[unit] = true
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
