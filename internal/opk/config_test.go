package opk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckConfig_MissingWritesTemplate(t *testing.T) {
	dataDir := t.TempDir()

	path, err := CheckConfig(dataDir)
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("err = %v, want ErrConfigMissing", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err should be a *ConfigError, got %T", err)
	}
	if cfgErr.Path != path || cfgErr.Instructions == "" {
		t.Errorf("ConfigError = %+v", cfgErr)
	}

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("template not written: %v", readErr)
	}
	if len(raw) == 0 {
		t.Error("template is empty")
	}

	// The template itself is all comments, so a second check still reports
	// an unusable config, but must not overwrite the file.
	if _, err := CheckConfig(dataDir); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("second check err = %v, want ErrConfigInvalid", err)
	}
}

func writeConfig(t *testing.T, dataDir, content string) {
	t.Helper()
	path := ConfigPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestCheckConfig_Valid(t *testing.T) {
	dataDir := t.TempDir()
	writeConfig(t, dataDir, `
providers:
  - alias: google
    issuer: https://accounts.google.com
    client_id: id
    redirect_uris:
      - http://localhost:3000/login-callback
`)
	if _, err := CheckConfig(dataDir); err != nil {
		t.Fatalf("CheckConfig: %v", err)
	}
}

func TestCheckConfig_MissingRedirectURIs(t *testing.T) {
	dataDir := t.TempDir()
	writeConfig(t, dataDir, `
providers:
  - alias: google
    issuer: https://accounts.google.com
    client_id: id
`)
	if _, err := CheckConfig(dataDir); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestCheckConfig_BadYAML(t *testing.T) {
	dataDir := t.TempDir()
	writeConfig(t, dataDir, "providers: [unclosed")
	if _, err := CheckConfig(dataDir); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}
