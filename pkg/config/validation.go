package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here; validation
// accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs validation that struct tags cannot express.
func validateCustomRules(cfg *Config) error {
	if cfg.Listen.Inet && strings.EqualFold(cfg.Logging.Output, "stdout") {
		return fmt.Errorf("logging.output: stdout carries the protocol in inet mode, use stderr or a file")
	}

	if cfg.Server.RateLimit.Burst > 0 && cfg.Server.RateLimit.RequestsPerSecond == 0 {
		return fmt.Errorf("server.rate_limit: burst is set but requests_per_second is 0")
	}

	for name, home := range cfg.Server.Homes {
		if !strings.HasPrefix(home, "/") {
			return fmt.Errorf("server.homes[%s]: home directory %q must be absolute", name, home)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
