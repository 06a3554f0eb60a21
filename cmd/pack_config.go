package cmd

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Define struct for YAML
type PackManifest struct {
	Checksums bool        `yaml:"checksums"`
	Layers    []PackLayer `yaml:"layers"`
}

type PackLayer struct {
	File  string   `yaml:"file"`
	DType string   `yaml:"dtype"`
	Shape []uint32 `yaml:"shape"`
}

// GetPackManifest parses a pack manifest YAML file.
func GetPackManifest(path string) (*PackManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m PackManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
