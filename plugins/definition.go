// Package plugins discovers sweep definitions contributed from outside the
// binary: YAML files under .crucible/sweeps and interpreted Go generators
// under .crucible/plugins.
package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/crucible/internal/sweep"
)

// DefinitionFile pairs a parsed sweep definition with its on-disk source.
type DefinitionFile struct {
	Definition sweep.SweepDefinition
	Path       string
}

// Catalog indexes discovered sweep definitions by ID.
type Catalog struct {
	byID  map[string]DefinitionFile
	order []string
}

// NewCatalog builds a catalog from definition files, rejecting duplicate IDs.
func NewCatalog(files []DefinitionFile) (*Catalog, error) {
	cat := &Catalog{byID: map[string]DefinitionFile{}}
	for _, file := range files {
		id := file.Definition.ID
		if existing, ok := cat.byID[id]; ok {
			return nil, fmt.Errorf("plugin: duplicate sweep id %s (%s and %s)", id, existing.Path, file.Path)
		}
		cat.byID[id] = file
		cat.order = append(cat.order, id)
	}
	sort.Strings(cat.order)
	return cat, nil
}

// Lookup returns the definition registered under the given ID.
func (c *Catalog) Lookup(id string) (sweep.SweepDefinition, bool) {
	if c == nil {
		return sweep.SweepDefinition{}, false
	}
	file, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return sweep.SweepDefinition{}, false
	}
	return file.Definition.Clone(), true
}

// IDs returns the registered sweep identifiers in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil || len(c.order) == 0 {
		return nil
	}
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// LoadYAMLDefinitionDir scans a directory for *.yaml sweeps and returns the
// parsed definitions. Missing directories are treated as "no plugins" to
// simplify startup.
func LoadYAMLDefinitionDir(dir string) ([]DefinitionFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var defs []DefinitionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isYAMLFile(name) {
			continue
		}
		path := filepath.Join(trimmed, name)
		def, err := sweep.LoadDefinitionFile(path)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", path, err)
		}
		defs = append(defs, DefinitionFile{Definition: def, Path: filepath.Clean(path)})
	}
	if len(defs) == 0 {
		return nil, nil
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
