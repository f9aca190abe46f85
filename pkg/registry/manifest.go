package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/realmbridge/realmbridge/pkg/bridge"
)

// Manifest declares the capabilities a realm exposes, loaded from a YAML
// file. Realms that cannot register programmatically ship a manifest instead;
// the watcher re-registers on file change.
type Manifest struct {
	// Realm is the owning realm for every capability in the manifest.
	Realm string `yaml:"realm" validate:"required"`

	// Capabilities lists the realm's capability declarations.
	Capabilities []ManifestCapability `yaml:"capabilities" validate:"required,min=1,dive"`
}

// ManifestCapability is one capability declaration within a manifest.
type ManifestCapability struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version" validate:"required"`
	Endpoint    string `yaml:"endpoint" validate:"required"`
	Schema      string `yaml:"schema,omitempty"`
	StatusProbe string `yaml:"status_probe,omitempty"`
}

var validate = validator.New()

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Descriptors converts the manifest into registry descriptors.
func (m *Manifest) Descriptors() []bridge.CapabilityDescriptor {
	out := make([]bridge.CapabilityDescriptor, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		out = append(out, bridge.CapabilityDescriptor{
			Realm:       m.Realm,
			Name:        c.Name,
			Version:     c.Version,
			Endpoint:    c.Endpoint,
			Schema:      c.Schema,
			StatusProbe: c.StatusProbe,
		})
	}
	return out
}

// Apply registers every capability in the manifest. Registration stops at the
// first error so a conflicting manifest is surfaced whole.
func (m *Manifest) Apply(ctx context.Context, reg bridge.Registry) error {
	for _, desc := range m.Descriptors() {
		if err := reg.Register(ctx, desc); err != nil {
			return fmt.Errorf("failed to register %s: %w", desc.Key(), err)
		}
	}
	return nil
}
