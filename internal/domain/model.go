package domain

import "slices"

// ModelFamily selects the backend implementation for a model.
type ModelFamily string

const (
	FamilyWhisper    ModelFamily = "whisper"
	FamilyFireRedASR ModelFamily = "fireredasr"
)

type ModelSpec struct {
	Name                        string      `json:"name" yaml:"name"`
	DisplayName                 string      `json:"display_name" yaml:"display_name"`
	Family                      ModelFamily `json:"family" yaml:"family"`
	Description                 string      `json:"description" yaml:"description"`
	RequiredMemoryMB            float64     `json:"required_memory_mb" yaml:"required_memory_mb"`
	RequiresGPU                 bool        `json:"requires_gpu" yaml:"requires_gpu"`
	SupportedLanguages          []string    `json:"supported_languages" yaml:"supported_languages"`
	AcceleratedRuntimeSupported bool        `json:"accelerated_runtime_supported" yaml:"accelerated_runtime_supported"`
}

func (m ModelSpec) SupportsLanguage(lang string) bool {
	return slices.Contains(m.SupportedLanguages, lang)
}
