package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/process"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

const DefaultAppName = "hsu-sysinit"

const pidFileSuffix = ".pid"

// Config selects where PID files, the intent state file and unit logs live
type Config struct {
	// Base directory. If empty, an OS-appropriate default for ServiceContext is used.
	BaseDirectory string

	ServiceContext ServiceContext

	AppName string

	// Place files under an AppName subdirectory of the base directory
	UseSubdirectory bool
}

// ServiceContext defines the context in which the daemon runs
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// Manager owns the per-unit PID files
type Manager struct {
	config Config
	logger logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = SystemService
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		config: config,
		logger: logger,
	}
}

// Directory is where PID files are written
func (m *Manager) Directory() string {
	dir := m.getBaseDirectory()
	if m.config.UseSubdirectory {
		dir = filepath.Join(dir, m.config.AppName)
	}
	return dir
}

func (m *Manager) PIDFilePath(unitName string) string {
	return filepath.Join(m.Directory(), unitName+pidFileSuffix)
}

// StateFilePath is the default location of the persisted enable/disable intent
func (m *Manager) StateFilePath() string {
	return filepath.Join(m.Directory(), "state.yaml")
}

// LogDirectory is the default directory for per-unit output files
func (m *Manager) LogDirectory() string {
	return filepath.Join(m.Directory(), "logs")
}

func (m *Manager) WritePIDFile(unitName string, pid int) error {
	path := m.PIDFilePath(unitName)
	m.logger.Debugf("Writing PID file, unit: %s, pid: %d, path: %s", unitName, pid, path)

	if err := WriteFileAtomic(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, unit: %s, path: %s, error: %v", unitName, path, err)
		return errors.NewIOError("failed to write PID file", err).
			WithUnit(unitName).WithContext("pid_file", path).WithContext("pid", pid)
	}
	return nil
}

func (m *Manager) ReadPIDFile(unitName string) (int, error) {
	return readPIDFile(m.PIDFilePath(unitName))
}

// RemovePIDFile deletes the unit's PID file; a missing file is not an error
func (m *Manager) RemovePIDFile(unitName string) error {
	path := m.PIDFilePath(unitName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithUnit(unitName).WithContext("pid_file", path)
	}
	return nil
}

// UnitTransitioned keeps the PID file in step with the unit: present while running only
func (m *Manager) UnitTransitioned(t unit.Transition) {
	var err error
	switch {
	case t.To == unit.StateRunning && t.PID > 0:
		err = m.WritePIDFile(t.Unit, t.PID)
	case t.From == unit.StateRunning:
		err = m.RemovePIDFile(t.Unit)
	}
	if err != nil {
		m.logger.Warnf("PID file not updated, unit: %s, error: %v", t.Unit, err)
	}
}

// CleanStale removes PID files left by a previous daemon and returns the units whose
// recorded process is still alive. Those processes are not adopted.
func (m *Manager) CleanStale() (alive map[string]int, err error) {
	entries, err := os.ReadDir(m.Directory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to read PID file directory", err).WithContext("directory", m.Directory())
	}

	alive = make(map[string]int)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pidFileSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), pidFileSuffix)
		path := filepath.Join(m.Directory(), entry.Name())

		pid, readErr := readPIDFile(path)
		if readErr == nil {
			if running, _ := process.IsRunning(pid); running {
				alive[name] = pid
				m.logger.Warnf("Process from a previous run is still alive, unit: %s, pid: %d", name, pid)
			}
		}

		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			m.logger.Warnf("Failed to remove stale PID file, path: %s, error: %v", path, removeErr)
		}
	}
	return alive, nil
}

func readPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	text := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).
			WithContext("pid_file", path).WithContext("content", text)
	}
	return pid, nil
}

// RecommendedConfig returns a configuration for a deployment scenario
func RecommendedConfig(scenario string, appName string) Config {
	if appName == "" {
		appName = DefaultAppName
	}

	switch strings.ToLower(scenario) {
	case "user", "personal":
		return Config{ServiceContext: UserService, AppName: appName, UseSubdirectory: true}
	case "session", "desktop":
		return Config{ServiceContext: SessionService, AppName: appName, UseSubdirectory: true}
	case "development", "dev", "test":
		return Config{
			BaseDirectory:  filepath.Join(os.TempDir(), appName+"-dev"),
			ServiceContext: UserService,
			AppName:        appName,
		}
	default:
		return Config{ServiceContext: SystemService, AppName: appName, UseSubdirectory: true}
	}
}

func (m *Manager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case UserService:
		return getUserServiceDirectory()
	case SessionService:
		return getSessionServiceDirectory()
	default:
		return getSystemServiceDirectory()
	}
}

func getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func getSessionServiceDirectory() string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return os.TempDir()
	}
	sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if _, err := os.Stat(sessionDir); err == nil {
		return sessionDir
	}
	return os.TempDir()
}
