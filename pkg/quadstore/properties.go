package quadstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PropertiesFile records the layout of a store directory
const PropertiesFile = "triples.yaml"

// FormatVersion is the data format written by this package
const FormatVersion = 1

type properties struct {
	Version int      `yaml:"version"`
	Engine  string   `yaml:"engine"`
	Indexes []string `yaml:"indexes"`
	MapSize int64    `yaml:"map_size"`
}

// readProperties returns nil when the directory holds no store yet
func readProperties(dir string) (*properties, error) {
	data, err := os.ReadFile(filepath.Join(dir, PropertiesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	var p properties
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PropertiesFile, err)
	}
	if p.Version != FormatVersion {
		return nil, fmt.Errorf("%w: directory has version %d, expected %d", ErrIncompatibleVersion, p.Version, FormatVersion)
	}
	return &p, nil
}

func writeProperties(dir string, p *properties) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, PropertiesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	return os.Rename(tmp, path)
}
