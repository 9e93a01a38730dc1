// Package catalog holds the static table of transcription models and checks
// whether a model can run on an assigned device.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orchids/transcription-service/internal/domain"
)

var builtin = []domain.ModelSpec{
	{
		Name:                        "whisper-large-v3",
		DisplayName:                 "Whisper Large V3 (recommended)",
		Family:                      domain.FamilyWhisper,
		Description:                 "Largest Whisper model, best Chinese accuracy",
		RequiredMemoryMB:            4096,
		SupportedLanguages:          []string{"zh", "en", "ja", "ko"},
		AcceleratedRuntimeSupported: true,
	},
	{
		Name:                        "whisper-medium",
		DisplayName:                 "Whisper Medium (balanced)",
		Family:                      domain.FamilyWhisper,
		Description:                 "Medium model balancing speed and accuracy",
		RequiredMemoryMB:            2048,
		SupportedLanguages:          []string{"zh", "en", "ja", "ko"},
		AcceleratedRuntimeSupported: true,
	},
	{
		Name:                        "whisper-small",
		DisplayName:                 "Whisper Small (fast)",
		Family:                      domain.FamilyWhisper,
		Description:                 "Small model, fastest with slightly lower accuracy",
		RequiredMemoryMB:            1024,
		SupportedLanguages:          []string{"zh", "en", "ja", "ko"},
		AcceleratedRuntimeSupported: true,
	},
	{
		Name:               "fireredasr-aed",
		DisplayName:        "FireRedASR AED (Chinese)",
		Family:             domain.FamilyFireRedASR,
		Description:        "Mandarin-optimised ASR model with dialect support",
		RequiredMemoryMB:   3072,
		RequiresGPU:        true,
		SupportedLanguages: []string{"zh"},
	},
}

type Catalog struct {
	models []domain.ModelSpec
	byName map[string]domain.ModelSpec
}

// New builds a catalog from specs, keeping their order.
func New(specs []domain.ModelSpec) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]domain.ModelSpec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("model entry without name")
		}
		if s.Family != domain.FamilyWhisper && s.Family != domain.FamilyFireRedASR {
			return nil, fmt.Errorf("model %s: %w: %q", s.Name, domain.ErrUnknownBackend, s.Family)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate model %s", s.Name)
		}
		if s.DisplayName == "" {
			s.DisplayName = s.Name
		}
		c.models = append(c.models, s)
		c.byName[s.Name] = s
	}
	return c, nil
}

func Default() *Catalog {
	c, _ := New(builtin)
	return c
}

type modelsFile struct {
	Models []domain.ModelSpec `yaml:"models"`
}

// Load reads a YAML model table from path. An empty path yields the built-in table.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var f modelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("models file %s defines no models", path)
	}
	return New(f.Models)
}

func (c *Catalog) Models() []domain.ModelSpec {
	out := make([]domain.ModelSpec, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Lookup(name string) (domain.ModelSpec, error) {
	s, ok := c.byName[name]
	if !ok {
		return domain.ModelSpec{}, fmt.Errorf("%w: %s", domain.ErrUnknownModel, name)
	}
	return s, nil
}

// CheckCompatibility rejects a model whose requirements the assigned device
// cannot meet. Free memory equal to the requirement is enough. Without a
// device only the GPU requirement applies.
func CheckCompatibility(spec domain.ModelSpec, dev *domain.Device) error {
	if dev == nil {
		if spec.RequiresGPU {
			return fmt.Errorf("%w: %s requires a GPU and none is assigned", domain.ErrIncompatibleModel, spec.Name)
		}
		return nil
	}
	if dev.MemoryFreeMB < spec.RequiredMemoryMB {
		return fmt.Errorf("%w: %s needs %.0fMB free, %s has %.0fMB",
			domain.ErrIncompatibleModel, spec.Name, spec.RequiredMemoryMB, dev.ID, dev.MemoryFreeMB)
	}
	return nil
}
