package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "from-env")
	cfg := sample{Port: 1}
	if err := Load(writeFile(t, "name: ${SAMPLE_NAME}\nport: 42\n"), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "from-env" || cfg.Port != 42 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cfg := sample{Port: 1}
	err := Load(writeFile(t, "nmae: typo\n"), &cfg)
	if err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadValidates(t *testing.T) {
	cfg := sample{}
	err := Load(writeFile(t, "port: 0\n"), &cfg)
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadIfExistsKeepsDefaults(t *testing.T) {
	cfg := sample{Name: "default", Port: 8080}
	if err := LoadIfExists(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "default" {
		t.Errorf("cfg = %+v", cfg)
	}
	bad := sample{}
	if err := LoadIfExists(filepath.Join(t.TempDir(), "missing.yaml"), &bad); err == nil {
		t.Error("defaults are validated too")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg := sample{Port: 3}
	if err := Load(writeFile(t, ""), &cfg); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}
