package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/orchids/transcription-service/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	models := c.Models()
	if len(models) != 4 {
		t.Fatalf("len(Models()) = %d, want 4", len(models))
	}

	fr, err := c.Lookup("fireredasr-aed")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !fr.RequiresGPU || fr.Family != domain.FamilyFireRedASR || fr.SupportsLanguage("en") {
		t.Errorf("fireredasr-aed = %+v", fr)
	}

	if _, err := c.Lookup("whisper-tiny"); !errors.Is(err, domain.ErrUnknownModel) {
		t.Errorf("Lookup(unknown) error = %v, want ErrUnknownModel", err)
	}

	models[0].Name = "mutated"
	if c.Models()[0].Name == "mutated" {
		t.Error("Models() exposes internal slice")
	}
}

func TestCheckCompatibility(t *testing.T) {
	large, _ := Default().Lookup("whisper-large-v3")
	fr, _ := Default().Lookup("fireredasr-aed")

	tests := []struct {
		name    string
		spec    domain.ModelSpec
		device  *domain.Device
		wantErr bool
	}{
		{"exact free memory passes", large, &domain.Device{ID: "gpu0", MemoryFreeMB: 4096}, false},
		{"one megabyte short fails", large, &domain.Device{ID: "gpu0", MemoryFreeMB: 4095}, true},
		{"cpu run without gpu requirement", large, nil, false},
		{"gpu mandatory without device", fr, nil, true},
		{"gpu mandatory with device", fr, &domain.Device{ID: "gpu1", MemoryFreeMB: 8000}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompatibility(tt.spec, tt.device)
			if tt.wantErr && !errors.Is(err, domain.ErrIncompatibleModel) {
				t.Errorf("error = %v, want ErrIncompatibleModel", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := `models:
  - name: whisper-turbo
    family: whisper
    required_memory_mb: 1536
    supported_languages: [zh, en]
    accelerated_runtime_supported: true
  - name: fireredasr-llm
    display_name: FireRedASR LLM
    family: fireredasr
    required_memory_mb: 8192
    requires_gpu: true
    supported_languages: [zh]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	turbo, err := c.Lookup("whisper-turbo")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if turbo.DisplayName != "whisper-turbo" || turbo.RequiredMemoryMB != 1536 || !turbo.SupportsLanguage("en") {
		t.Errorf("whisper-turbo = %+v", turbo)
	}
	if _, err := c.Lookup("whisper-small"); err == nil {
		t.Error("file catalog should replace the built-in table")
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.yaml":     "models: []\n",
		"family.yaml":    "models:\n  - name: x\n    family: kaldi\n",
		"duplicate.yaml": "models:\n  - name: x\n    family: whisper\n  - name: x\n    family: whisper\n",
		"broken.yaml":    "models: [\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("Load(%s) succeeded", name)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded")
	}
	if c, err := Load(""); err != nil || len(c.Models()) != 4 {
		t.Errorf("Load(\"\") = %v, %v", c, err)
	}
}
