package goal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadManifestFile reads and parses a YAML goal manifest from path and
// registers its entries into r.
func LoadManifestFile(r *Registry, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("goal: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("goal: parse manifest %s: %w", path, err)
	}
	return LoadManifest(r, m)
}
