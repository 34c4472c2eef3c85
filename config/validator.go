package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var environments = []string{"development", "staging", "production"}

// validate reports fields by their mapstructure key, so errors read
// "server.port" just like the YAML and SAGAFLOW_ variables do.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		return slices.Contains(environments, fl.Field().String())
	})
	_ = v.RegisterValidation("host", validateHost)
	return v
}

// ConfigError is one rejected setting.
type ConfigError struct {
	Field   string
	Message string
	Value   any
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors lists every rejected setting of one load.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, ce := range e {
		lines = append(lines, "  - "+ce.Error())
	}
	return strings.Join(lines, "\n")
}

// ValidateWithDetails runs struct tag validation and the backend-specific
// checks, returning ValidationErrors when anything is wrong.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, validateBackends(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// validateBackends checks settings that only matter for the selected backend.
func validateBackends(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	require := func(cond bool, field, message string, value any) {
		if !cond {
			errs = append(errs, ConfigError{Field: field, Message: message, Value: value})
		}
	}

	switch cfg.Storage.Type {
	case "badger":
		require(cfg.Storage.Badger.Path != "", "storage.badger.path", "required for badger storage", cfg.Storage.Badger.Path)
	case "redis":
		require(cfg.Storage.Redis.Address != "", "storage.redis.address", "required for redis storage", cfg.Storage.Redis.Address)
	case "postgres":
		require(cfg.Storage.Postgres.DSN != "", "storage.postgres.dsn", "required for postgres storage", cfg.Storage.Postgres.DSN)
	}

	switch cfg.Transport.Type {
	case "redis":
		require(cfg.Transport.Redis.Address != "", "transport.redis.address", "required for redis transport", cfg.Transport.Redis.Address)
	case "kafka":
		require(len(cfg.Transport.Kafka.Brokers) > 0, "transport.kafka.brokers", "at least one broker is required", cfg.Transport.Kafka.Brokers)
	case "nats":
		require(cfg.Transport.NATS.URL != "", "transport.nats.url", "required for nats transport", cfg.Transport.NATS.URL)
	}

	if cfg.Reconcile.Enabled {
		require(cfg.Reconcile.Interval > 0, "reconcile.interval", "must be positive", cfg.Reconcile.Interval)
		require(cfg.Reconcile.StaleThreshold > 0, "reconcile.stale_threshold", "must be positive", cfg.Reconcile.StaleThreshold)
	}

	if cfg.Tracing.Enabled {
		require(cfg.Tracing.Exporter == "stdout" || strings.TrimSpace(cfg.Tracing.Endpoint) != "",
			"tracing.endpoint", "required when tracing is enabled", cfg.Tracing.Endpoint)
		require(cfg.Tracing.Timeout > 0, "tracing.timeout", "must be positive", cfg.Tracing.Timeout)
	}

	if cfg.Participants.Enabled && cfg.Participants.Dedup == "redis" {
		require(cfg.Storage.Redis.Address != "", "storage.redis.address", "required for redis dedup", cfg.Storage.Redis.Address)
	}
	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "host":
		return "must be a hostname or IP address"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateHost accepts hostnames, IPv4/IPv6 addresses and host:port pairs.
// Empty is valid; required-ness is expressed separately.
func validateHost(fl validator.FieldLevel) bool {
	return strings.IndexFunc(fl.Field().String(), func(r rune) bool { return !isValidHostChar(r) }) < 0
}

func isValidHostChar(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("-.:_", r)
}
