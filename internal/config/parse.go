package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a factory document from raw bytes, validates it, and
// returns the compiled Factory. Warnings are non-fatal (unknown schema
// version, etc).
func Parse(data []byte, sourcePath string) (*Factory, []string, error) {
	var f Factory
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, parseErrorf("%v", err)
	}
	f.SourcePath = sourcePath
	warnings, err := Validate(&f)
	if err != nil {
		return nil, nil, err
	}
	return &f, warnings, nil
}

// Load reads a factory document from disk, validates it, and returns the
// compiled Factory.
func Load(path string) (*Factory, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(data, path)
}
