package sweep

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSweepDir points to the conventional location for YAML sweep
// definitions when loading from disk.
const DefaultSweepDir = "sweeps"

// ParseDefinitionYAML decodes a sweep definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (SweepDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return SweepDefinition{}, fmt.Errorf("sweep: definition payload is empty")
	}
	var def SweepDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return SweepDefinition{}, fmt.Errorf("sweep: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads sweep definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (SweepDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return SweepDefinition{}, fmt.Errorf("sweep: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a sweep definition from an explicit file path.
func LoadDefinitionFile(path string) (SweepDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return SweepDefinition{}, fmt.Errorf("sweep: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return SweepDefinition{}, fmt.Errorf("sweep: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDefinitionRelative loads a definition from the sweeps directory (or a
// custom baseDir if provided).
func LoadDefinitionRelative(baseDir, name string) (SweepDefinition, error) {
	if baseDir == "" {
		baseDir = DefaultSweepDir
	}
	path := filepath.Join(baseDir, name)
	return LoadDefinitionFile(path)
}
