package supervisor

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

// ClassesFile persists the class filter override across restarts. The
// file is replaced atomically so a crash mid-write never leaves a
// truncated override behind.
type ClassesFile struct {
	logger servicelog.Logger
	path   string

	mu      sync.Mutex
	classes []string
}

// LoadClasses reads the override file, falling back to the given
// default when the file is absent or invalid.
func LoadClasses(logger servicelog.Logger, path string, fallback []string) *ClassesFile {
	cf := &ClassesFile{
		logger:  logger,
		path:    path,
		classes: fallback,
	}
	if path == "" {
		return cf
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read class override file", servicelog.Error(err))
		}
		return cf
	}
	var stored struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		logger.Warn("class override file is corrupt, ignoring", servicelog.Error(err))
		return cf
	}
	if err := detect.ValidateClasses(stored.Classes); err != nil {
		logger.Warn("class override file rejected", servicelog.Error(err))
		return cf
	}
	cf.classes = stored.Classes
	return cf
}

// Current returns the active class filter.
func (cf *ClassesFile) Current() []string {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return append([]string(nil), cf.classes...)
}

// Save validates, persists and adopts a new class filter.
func (cf *ClassesFile) Save(classes []string) error {
	if err := detect.ValidateClasses(classes); err != nil {
		return err
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.path != "" {
		payload, err := json.MarshalIndent(map[string][]string{"classes": classes}, "", "  ")
		if err != nil {
			return err
		}
		if err := renameio.WriteFile(cf.path, append(payload, '\n'), 0o644); err != nil {
			return err
		}
	}
	cf.classes = classes
	return nil
}

// Env renders the filter as the environment override the child reads.
func (cf *ClassesFile) Env() string {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return strings.Join(cf.classes, ",")
}
