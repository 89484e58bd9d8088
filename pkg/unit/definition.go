package unit

import (
	"maps"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
)

// Definition is the immutable description of one service as produced by the config loader
type Definition struct {
	Name        string
	Description string

	// Command line to launch, split with shell quoting rules
	ExecStart string

	// Must exist when the unit is loaded and again when it is started
	WorkingDir string

	// Persisted intent
	Enabled bool

	// Units keep their own copy; see Clone
	Environment map[string]string

	// Zero means the manager-wide default
	GracefulTimeout time.Duration

	// If set, reload delivers this signal instead of restarting
	ReloadSignal string
}

// PathExists reports whether path exists on the filesystem
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks the fields Load() depends on
func (d Definition) Validate(exists func(string) bool) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.NewInvalidDefinitionError("unit name is required", nil)
	}
	if strings.TrimSpace(d.ExecStart) == "" {
		return errors.NewInvalidDefinitionError("exec_start is required", nil).WithUnit(d.Name)
	}
	if d.WorkingDir == "" {
		return errors.NewInvalidDefinitionError("working_dir is required", nil).WithUnit(d.Name)
	}
	if exists == nil {
		exists = PathExists
	}
	if !exists(d.WorkingDir) {
		return errors.NewInvalidDefinitionError("working_dir does not exist: "+d.WorkingDir, nil).
			WithUnit(d.Name).WithContext("working_dir", d.WorkingDir)
	}
	if d.GracefulTimeout < 0 {
		return errors.NewInvalidDefinitionError("graceful_timeout cannot be negative", nil).WithUnit(d.Name)
	}
	return nil
}

// Clone returns a copy sharing no map with d
func (d Definition) Clone() Definition {
	d.Environment = maps.Clone(d.Environment)
	return d
}

// Equal compares two definitions field by field
func (d Definition) Equal(other Definition) bool {
	return reflect.DeepEqual(d.normalized(), other.normalized())
}

func (d Definition) normalized() Definition {
	if len(d.Environment) == 0 {
		d.Environment = nil
	}
	return d
}

// Env renders Environment as KEY=VALUE pairs
func (d Definition) Env() []string {
	env := make([]string, 0, len(d.Environment))
	for key, value := range d.Environment {
		env = append(env, key+"="+value)
	}
	return env
}
