package config

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/process"
)

// ValidateConfig validates the structure of the whole document. It does not look at the
// filesystem and does not reject duplicate names; both belong to loading units.
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewConfigError("configuration cannot be nil", nil)
	}

	if err := validateDaemonConfig(&config.Daemon); err != nil {
		return errors.NewConfigError("invalid daemon configuration", err)
	}

	for i, svc := range config.Services {
		if err := validateServiceConfig(svc); err != nil {
			return errors.NewConfigError(fmt.Sprintf("invalid service at index %d", i), err).
				WithContext("service_index", i).WithContext("service_name", svc.Name)
		}
	}

	return nil
}

func validateDaemonConfig(config *DaemonConfig) error {
	if err := ValidatePort(config.Port); err != nil {
		return err
	}

	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewValidationError(fmt.Sprintf("invalid log level: %s", config.LogLevel), nil).
			WithContext("valid_levels", "debug, info, warn, error")
	}

	switch config.LogFormat {
	case "console", "json":
	default:
		return errors.NewValidationError(fmt.Sprintf("invalid log format: %s", config.LogFormat), nil).
			WithContext("valid_formats", "console, json")
	}

	if config.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful_timeout cannot be negative", nil)
	}
	if config.Parallelism < 1 {
		return errors.NewValidationError("parallelism must be at least 1", nil)
	}

	switch config.RunContext {
	case "", "system", "user", "session", "development":
	default:
		return errors.NewValidationError(fmt.Sprintf("invalid run_context: %s", config.RunContext), nil).
			WithContext("valid_contexts", "system, user, session, development")
	}
	return nil
}

func validateServiceConfig(svc ServiceConfig) error {
	if err := ValidateUnitName(svc.Name); err != nil {
		return err
	}
	if strings.TrimSpace(svc.ExecStart) == "" {
		return errors.NewValidationError("exec_start is required", nil)
	}
	if _, err := process.ParseCommand(svc.ExecStart); err != nil {
		return err
	}
	if svc.WorkingDir == "" {
		return errors.NewValidationError("working_dir is required", nil)
	}
	if svc.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful_timeout cannot be negative", nil)
	}
	if svc.ReloadSignal != "" {
		if _, err := process.ParseSignal(svc.ReloadSignal); err != nil {
			return err
		}
	}
	for key := range svc.Environment {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewValidationError(fmt.Sprintf("invalid environment variable name: %q", key), nil)
		}
	}
	return nil
}

// ValidateUnitName allows letters, digits, '-', '_', '.' and '@', up to 64 characters
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}
	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil)
	}
	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("unit name contains invalid characters: "+name, nil)
		}
	}
	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("invalid port number: %d", port), nil).
			WithContext("valid_range", "1-65535")
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.' || char == '@'
}
