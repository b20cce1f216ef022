package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Manager reads automation scripts from a directory of .lua files.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a script manager rooted at dir, creating dir if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List returns all scripts in the directory, ordered by ID.
func (m *Manager) List() ([]*Script, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := m.load(strings.TrimSuffix(e.Name(), ".lua"))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get returns a single script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrScriptNotFound, id)
	}
	return m.load(id)
}

func (m *Manager) load(id string) (*Script, error) {
	path := filepath.Join(m.dir, id+".lua")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s := parseScript(id, string(data), m.logger)
	s.FilePath = path
	return s, nil
}

// parseScript splits a script file into its metadata header and Lua body.
// A script without a header is enabled and named after its ID.
func parseScript(id, content string, logger *slog.Logger) *Script {
	s := &Script{
		ID:   id,
		Meta: ScriptMeta{Name: id, Enabled: true},
	}

	lines := strings.Split(content, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "-- {") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "-- ")), &s.Meta); err != nil {
			logger.Warn("script metadata parse error", "id", id, "err", err)
		}
		lines = lines[1:]
	}

	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	s.LuaCode = strings.Join(lines, "\n")
	return s
}
