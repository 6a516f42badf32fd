package registry

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SeedConfig lists partitions that must exist when the service starts.
//
//	partitions:
//	  - USA
//	  - IND
type SeedConfig struct {
	Partitions []string `yaml:"partitions" json:"partitions"`
}

func LoadSeed(path string) (SeedConfig, error) {
	if path == "" {
		return SeedConfig{}, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return SeedConfig{}, err
	}

	var cfg SeedConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return SeedConfig{}, err
	}

	for i, country := range cfg.Partitions {
		code, err := NormalizeCountry(country)
		if err != nil {
			return SeedConfig{}, err
		}
		cfg.Partitions[i] = code
	}
	return cfg, nil
}
