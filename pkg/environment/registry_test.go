package environment

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaultReturnsBash(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := r.GetDefault()
	if env.Name != "bash" {
		t.Errorf("expected default environment to be bash, got %q", env.Name)
	}
	if env.WelcomeBanner == "" {
		t.Error("expected the built-in bash environment to carry a welcome banner")
	}
}

func TestGetUnknownEnvironment(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Get("does-not-exist"); err == nil {
		t.Error("expected an error for an unknown environment name")
	}
}

func TestHasAndList(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Has("python") {
		t.Error("expected python to be a known built-in environment")
	}
	list := r.List()
	if len(list) < 3 {
		t.Errorf("expected at least 3 built-in environments, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Error("expected List to be sorted by name")
			break
		}
	}
}

func TestCatalogOverlayExtendsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	yaml := `
environments:
  - name: bash
    description: "Custom bash"
    category: shell
    containerImage: "custom/bash:v2"
    defaultTimeout: "5m"
    welcomeBanner: "custom bash ready\n"
  - name: rust
    description: "Rust toolchain"
    category: rust
    containerImage: "sandboxd/env-rust:latest"
    defaultTimeout: "20m"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write test catalog: %v", err)
	}

	r, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bash, err := r.Get("bash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bash.ContainerImage != "custom/bash:v2" {
		t.Errorf("expected overlay to override the built-in bash image, got %q", bash.ContainerImage)
	}

	if !r.Has("rust") {
		t.Error("expected the overlay to add a new environment")
	}
	if !r.Has("node") {
		t.Error("expected built-in environments not named by the overlay to survive")
	}
}

func TestCatalogOverlayInvalidTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	yaml := `
environments:
  - name: broken
    containerImage: "x:latest"
    defaultTimeout: "not-a-duration"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write test catalog: %v", err)
	}

	if _, err := New(path); err == nil {
		t.Error("expected an invalid defaultTimeout to be rejected")
	}
}
