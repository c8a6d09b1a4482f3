package plugins

import (
	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/sweep"
)

// Discover loads every sweep definition reachable from the project: YAML
// files under .crucible/sweeps plus Go generators under .crucible/plugins.
// The built-in default sweep is included unless a discovered definition
// shadows its ID.
func Discover(cfg *config.Config) (*Catalog, error) {
	var files []DefinitionFile
	if cfg != nil {
		yamlDefs, err := LoadYAMLDefinitionDir(cfg.SweepsDir())
		if err != nil {
			return nil, err
		}
		goDefs, err := LoadGoDefinitionDir(cfg.PluginsDir())
		if err != nil {
			return nil, err
		}
		files = append(yamlDefs, goDefs...)
	}
	seen := map[string]bool{}
	for _, file := range files {
		seen[file.Definition.ID] = true
	}
	builtin := sweep.DefaultDefinition()
	if !seen[builtin.ID] {
		normalized, err := builtin.Normalized()
		if err != nil {
			return nil, err
		}
		files = append(files, DefinitionFile{Definition: normalized, Path: "builtin"})
	}
	return NewCatalog(files)
}
