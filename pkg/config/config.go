package config

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

const (
	DefaultPort            = 50065
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultGracefulTimeout = 10 * time.Second
	DefaultParallelism     = 1
)

// Config represents the top-level configuration document
type Config struct {
	Daemon   DaemonConfig    `yaml:"daemon"`
	Services []ServiceConfig `yaml:"services"`
}

// DaemonConfig holds sysinitd settings; every field is optional
type DaemonConfig struct {
	Port            int           `yaml:"port,omitempty"`
	LogLevel        string        `yaml:"log_level,omitempty"`
	LogFormat       string        `yaml:"log_format,omitempty"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`
	Parallelism     int           `yaml:"parallelism,omitempty"`
	StateFile       string        `yaml:"state_file,omitempty"`
	PIDDir          string        `yaml:"pid_dir,omitempty"`
	LogDir          string        `yaml:"log_dir,omitempty"`
	MetricsAddr     string        `yaml:"metrics_addr,omitempty"`
	WatchConfig     bool          `yaml:"watch_config,omitempty"`
	// RunContext picks default directories when pid_dir is empty: system, user, session or development
	RunContext string `yaml:"run_context,omitempty"`
}

// ServiceConfig is one entry under services:
type ServiceConfig struct {
	Name            string            `yaml:"name"`
	Description     string            `yaml:"description,omitempty"`
	ExecStart       string            `yaml:"exec_start"`
	WorkingDir      string            `yaml:"working_dir"`
	Enabled         bool              `yaml:"enabled,omitempty"`
	Environment     map[string]string `yaml:"environment,omitempty"`
	GracefulTimeout time.Duration     `yaml:"graceful_timeout,omitempty"`
	ReloadSignal    string            `yaml:"reload_signal,omitempty"`
}

// LoadConfigFromFile reads, defaults and validates a configuration file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewConfigError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := Parse(data)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// Parse decodes a document strictly: unknown keys and ill-typed values are rejected
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var config Config
	if err := decoder.Decode(&config); err != nil {
		if err == io.EOF {
			return nil, errors.NewConfigError("configuration document is empty", nil)
		}
		return nil, errors.NewConfigError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Daemon.Port == 0 {
		config.Daemon.Port = DefaultPort
	}
	if config.Daemon.LogLevel == "" {
		config.Daemon.LogLevel = DefaultLogLevel
	}
	if config.Daemon.LogFormat == "" {
		config.Daemon.LogFormat = DefaultLogFormat
	}
	if config.Daemon.GracefulTimeout == 0 {
		config.Daemon.GracefulTimeout = DefaultGracefulTimeout
	}
	if config.Daemon.Parallelism == 0 {
		config.Daemon.Parallelism = DefaultParallelism
	}
}

// Definitions converts services into unit definitions, in document order
func (c *Config) Definitions() []unit.Definition {
	defs := make([]unit.Definition, 0, len(c.Services))
	for _, svc := range c.Services {
		defs = append(defs, svc.Definition())
	}
	return defs
}

func (s ServiceConfig) Definition() unit.Definition {
	var env map[string]string
	if len(s.Environment) > 0 {
		env = maps.Clone(s.Environment)
	}
	return unit.Definition{
		Name:            s.Name,
		Description:     s.Description,
		ExecStart:       s.ExecStart,
		WorkingDir:      s.WorkingDir,
		Enabled:         s.Enabled,
		Environment:     env,
		GracefulTimeout: s.GracefulTimeout,
		ReloadSignal:    s.ReloadSignal,
	}
}

// FileLoader reads unit definitions from a YAML file path
type FileLoader struct{}

func (FileLoader) Load(source string) ([]unit.Definition, error) {
	config, err := LoadConfigFromFile(source)
	if err != nil {
		return nil, err
	}
	return config.Definitions(), nil
}

// ValidateConfigFile checks a file without touching any process: document structure,
// duplicate names and every definition, working_dir existence included
func ValidateConfigFile(filename string, exists func(string) bool) error {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	seen := make(map[string]int)
	for i, def := range config.Definitions() {
		if prev, ok := seen[def.Name]; ok {
			collection.Add(errors.NewDuplicateUnitNameError(def.Name).
				WithContext("indices", fmt.Sprintf("%d,%d", prev, i)))
			continue
		}
		seen[def.Name] = i

		if err := def.Validate(exists); err != nil {
			collection.Add(err)
		}
	}
	return collection.ToError()
}
