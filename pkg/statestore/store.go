// Package statestore persists the enabled/disabled intent of units across daemon restarts.
package statestore

import (
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/processfile"
)

type document struct {
	Units     []entry   `yaml:"units"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type entry struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// Store is a YAML file of unit name -> enabled, rewritten atomically on every change
type Store struct {
	path   string
	logger logging.Logger

	mutex   sync.Mutex
	intents map[string]bool
	loaded  bool
}

func New(path string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		path:    path,
		logger:  logger,
		intents: make(map[string]bool),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the file; a missing file is an empty store
func (s *Store) Load() (map[string]bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.copyLocked(), nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return errors.NewIOError("failed to read state file", err).WithContext("state_file", s.path)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.NewIOError("failed to parse state file", err).WithContext("state_file", s.path)
	}
	for _, e := range doc.Units {
		s.intents[e.Name] = e.Enabled
	}
	s.loaded = true
	s.logger.Debugf("Intent state loaded, path: %s, units: %d", s.path, len(doc.Units))
	return nil
}

// Intent returns the recorded intent for name and whether one exists
func (s *Store) Intent(name string) (enabled bool, ok bool, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.loadLocked(); err != nil {
		return false, false, err
	}
	enabled, ok = s.intents[name]
	return enabled, ok, nil
}

func (s *Store) Save(name string, enabled bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	if current, ok := s.intents[name]; ok && current == enabled {
		return nil
	}
	s.intents[name] = enabled
	return s.flushLocked()
}

func (s *Store) Forget(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.intents[name]; !ok {
		return nil
	}
	delete(s.intents, name)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	doc := document{UpdatedAt: time.Now().UTC()}
	for name, enabled := range s.intents {
		doc.Units = append(doc.Units, entry{Name: name, Enabled: enabled})
	}
	sort.Slice(doc.Units, func(i, j int) bool { return doc.Units[i].Name < doc.Units[j].Name })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return errors.NewInternalError("failed to encode state file", err)
	}
	if err := processfile.WriteFileAtomic(s.path, data, 0644); err != nil {
		return errors.NewIOError("failed to write state file", err).WithContext("state_file", s.path)
	}
	return nil
}

func (s *Store) copyLocked() map[string]bool {
	intents := make(map[string]bool, len(s.intents))
	for name, enabled := range s.intents {
		intents[name] = enabled
	}
	return intents
}
