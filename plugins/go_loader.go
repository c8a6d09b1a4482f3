package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/crucible/internal/sweep"
)

// Generator files export SweepDefinitions() returning []map[string]any,
// optionally with a trailing error.
const goDefinitionFuncName = "SweepDefinitions"

// LoadGoDefinitionDir interprets every generator file in dir and collects the
// sweep grids it produces. Generators let researchers compute grids (seed
// ranges, strategy ablations) in Go instead of writing them out by hand. Each
// generated grid goes through the same normalization and axis validation as a
// YAML definition, and ids must be unique within one file.
func LoadGoDefinitionDir(dir string) ([]DefinitionFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var defs []DefinitionFile
	for _, entry := range entries {
		if entry.IsDir() || !isGeneratorFile(entry.Name()) {
			continue
		}
		fileDefs, err := evalGeneratorFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	if len(defs) == 0 {
		return nil, nil
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

// isGeneratorFile filters the plugins directory the way the Go toolchain
// filters a package dir: only .go files, no _test.go files, and nothing
// starting with "_" or ".".
func isGeneratorFile(name string) bool {
	if filepath.Ext(name) != ".go" {
		return false
	}
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.HasSuffix(name, "_test.go")
}

func evalGeneratorFile(path string) ([]DefinitionFile, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	i.Use(stdlib.Symbols)
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(goDefinitionFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s() ([]map[string]any, error): %w", path, goDefinitionFuncName, err)
	}
	raws, callErr := callGenerator(fnValue)
	if callErr != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, callErr)
	}

	files := make([]DefinitionFile, 0, len(raws))
	seen := map[string]int{}
	for idx, raw := range raws {
		payload, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		parsed, err := sweep.ParseDefinitionYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		if prev, dup := seen[parsed.ID]; dup {
			return nil, fmt.Errorf("plugin: %s: definitions %d and %d both use sweep id %s", path, prev, idx, parsed.ID)
		}
		seen[parsed.ID] = idx
		files = append(files, DefinitionFile{Definition: parsed, Path: fmt.Sprintf("%s#%d", path, idx+1)})
	}
	return files, nil
}

// callGenerator invokes the generator function and coerces its first return
// value into []map[string]any, surfacing a trailing error value if present.
func callGenerator(fn reflect.Value) ([]map[string]any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFuncName)
	}
	out := fn.Call(nil)
	switch len(out) {
	case 1:
	case 2:
		if !out[1].IsNil() {
			genErr, ok := out[1].Interface().(error)
			if !ok {
				return nil, fmt.Errorf("%s second return value must be an error", goDefinitionFuncName)
			}
			return nil, genErr
		}
	default:
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goDefinitionFuncName)
	}
	return coerceDefinitionMaps(out[0])
}

func coerceDefinitionMaps(val reflect.Value) ([]map[string]any, error) {
	if maps, ok := val.Interface().([]map[string]any); ok {
		return maps, nil
	}
	if val.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", goDefinitionFuncName)
	}
	maps := make([]map[string]any, val.Len())
	for i := 0; i < val.Len(); i++ {
		entry, ok := val.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not map[string]any", goDefinitionFuncName, i)
		}
		maps[i] = entry
	}
	return maps, nil
}
