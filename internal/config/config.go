// Package config loads otto's client configuration from the
// platform-native backend, environment variables, and the platform
// secret store.
package config

import (
	"strings"
	"time"
)

type Config struct {
	API      APIConfig
	Identity IdentityConfig
	Storage  StorageConfig
	Connect  ConnectConfig
	Notify   NotifyConfig
	Log      LogConfig
}

type APIConfig struct {
	BaseURL string
}

type IdentityConfig struct {
	BaseURL   string
	AuthToken string
}

type StorageConfig struct {
	DataDir string
}

type ConnectConfig struct {
	CallbackAddr string
}

type NotifyConfig struct {
	BudgetMS int
}

// Budget returns the notification decrypt budget as a duration.
func (n NotifyConfig) Budget() time.Duration {
	return time.Duration(n.BudgetMS) * time.Millisecond
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "https://api.otto.app",
		},
		Identity: IdentityConfig{
			BaseURL: "https://id.otto.app",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Connect: ConnectConfig{
			CallbackAddr: "127.0.0.1:8765",
		},
		Notify: NotifyConfig{
			BudgetMS: 2000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.otto.app) and the
// auth token falls back to macOS Keychain (service: otto, account:
// auth_token). On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/otto/config.json and secrets live in
// $XDG_DATA_HOME/otto/secrets.json.
//
// Environment variables (OTTO_*) override backend values on all
// platforms. A missing auth token is not an error: it just means the
// app starts signed out.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Identity.AuthToken == "" {
		if tok, err := kc.Get("otto", "auth_token"); err == nil && tok != "" {
			cfg.Identity.AuthToken = tok
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
