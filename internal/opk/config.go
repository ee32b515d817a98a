package opk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigMissing means no config file existed; a template has been
	// written at the reported path for the user to fill in.
	ErrConfigMissing = errors.New("opkssh config missing")
	// ErrConfigInvalid means the config file exists but declares no usable
	// provider.
	ErrConfigInvalid = errors.New("opkssh config invalid")
)

// ConfigError carries the config path and user-facing instructions alongside
// the sentinel cause.
type ConfigError struct {
	Path         string
	Instructions string
	Err          error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigPath returns the conventional opkssh client config location under
// the data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ".opk", "config.yml")
}

type providerConfig struct {
	Alias        string   `yaml:"alias"`
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       string   `yaml:"scopes"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

type fileConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []providerConfig `yaml:"providers"`
}

const configTemplate = `# opkssh client configuration
#
# Uncomment and fill in at least one provider block. redirect_uris is
# required: the CLI binds a local callback server on one of these ports.
#
# providers:
#   - alias: google
#     issuer: https://accounts.google.com
#     client_id: <client-id>
#     client_secret: <client-secret>
#     scopes: openid email profile
#     redirect_uris:
#       - http://localhost:3000/login-callback
#       - http://localhost:10001/login-callback
#       - http://localhost:11110/login-callback
#
# default_provider: google
`

// CheckConfig validates the opkssh config at the conventional path. When the
// file is absent a commented template is written there and a ConfigError
// wrapping ErrConfigMissing is returned. A present file must declare at
// least one provider, and every declared provider needs a non-empty
// redirect_uris list.
func CheckConfig(dataDir string) (string, error) {
	path := ConfigPath(dataDir)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return path, fmt.Errorf("read opkssh config: %w", err)
		}
		if err := writeTemplate(path); err != nil {
			return path, err
		}
		return path, &ConfigError{
			Path:         path,
			Instructions: "A template config was created. Uncomment a provider block, fill in the client credentials and redirect_uris, then retry.",
			Err:          ErrConfigMissing,
		}
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return path, &ConfigError{
			Path:         path,
			Instructions: fmt.Sprintf("The config could not be parsed: %v. Fix the YAML syntax and retry.", err),
			Err:          ErrConfigInvalid,
		}
	}

	if len(cfg.Providers) == 0 {
		return path, &ConfigError{
			Path:         path,
			Instructions: "No providers are configured. Uncomment a provider block and fill in its fields.",
			Err:          ErrConfigInvalid,
		}
	}
	for _, p := range cfg.Providers {
		if p.Issuer == "" {
			return path, &ConfigError{
				Path:         path,
				Instructions: fmt.Sprintf("Provider %q has no issuer.", p.Alias),
				Err:          ErrConfigInvalid,
			}
		}
		if len(p.RedirectURIs) == 0 {
			return path, &ConfigError{
				Path:         path,
				Instructions: fmt.Sprintf("Provider %q has no redirect_uris. The CLI cannot bind a callback port without them.", p.Alias),
				Err:          ErrConfigInvalid,
			}
		}
	}

	return path, nil
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create opkssh config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("write opkssh config template: %w", err)
	}
	return nil
}
