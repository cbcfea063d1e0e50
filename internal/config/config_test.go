package config

import (
	"errors"
	"testing"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

// mockBackend is an in-memory ConfigBackend.
type mockBackend struct {
	strings map[string]string
	ints    map[string]int
	err     error
}

func (b *mockBackend) GetString(key string) (string, bool, error) {
	if b.err != nil {
		return "", false, b.err
	}
	v, ok := b.strings[key]
	return v, ok, nil
}

func (b *mockBackend) GetInt(key string) (int, bool, error) {
	if b.err != nil {
		return 0, false, b.err
	}
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *mockBackend) SetString(key, val string) error {
	if b.strings == nil {
		b.strings = make(map[string]string)
	}
	b.strings[key] = val
	return nil
}

func (b *mockBackend) SetInt(key string, val int) error {
	if b.ints == nil {
		b.ints = make(map[string]int)
	}
	b.ints[key] = val
	return nil
}

func (b *mockBackend) Delete(key string) error {
	delete(b.strings, key)
	delete(b.ints, key)
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&mockBackend{}, mockKeychain{err: errors.New("no keychain")})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.API.BaseURL != "https://api.otto.app" {
		t.Errorf("api.base_url default = %q", cfg.API.BaseURL)
	}
	if cfg.Connect.CallbackAddr != "127.0.0.1:8765" {
		t.Errorf("connect.callback_addr default = %q", cfg.Connect.CallbackAddr)
	}
	if cfg.Notify.BudgetMS != 2000 {
		t.Errorf("notify.budget_ms default = %d", cfg.Notify.BudgetMS)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level default = %q", cfg.Log.Level)
	}
	if cfg.Identity.AuthToken != "" {
		t.Errorf("auth token should be empty without keychain, got %q", cfg.Identity.AuthToken)
	}
}

func TestBackendValuesOverrideDefaults(t *testing.T) {
	b := &mockBackend{
		strings: map[string]string{
			"api.base_url": "https://staging.otto.app",
			"log.level":    "debug",
		},
		ints: map[string]int{
			"notify.budget_ms": 500,
		},
	}

	cfg, err := loadWith(b, mockKeychain{err: errors.New("no keychain")})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.API.BaseURL != "https://staging.otto.app" {
		t.Errorf("api.base_url = %q", cfg.API.BaseURL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Notify.BudgetMS != 500 {
		t.Errorf("notify.budget_ms = %d", cfg.Notify.BudgetMS)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("OTTO_API_BASE_URL", "https://env.otto.app")
	t.Setenv("OTTO_NOTIFY_BUDGET_MS", "750")

	b := &mockBackend{
		strings: map[string]string{"api.base_url": "https://backend.otto.app"},
		ints:    map[string]int{"notify.budget_ms": 500},
	}

	cfg, err := loadWith(b, mockKeychain{err: errors.New("no keychain")})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.API.BaseURL != "https://env.otto.app" {
		t.Errorf("env should win over backend, got %q", cfg.API.BaseURL)
	}
	if cfg.Notify.BudgetMS != 750 {
		t.Errorf("notify.budget_ms = %d", cfg.Notify.BudgetMS)
	}
}

func TestAuthTokenFromKeychain(t *testing.T) {
	cfg, err := loadWith(&mockBackend{}, mockKeychain{value: "secret-token"})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Identity.AuthToken != "secret-token" {
		t.Errorf("auth token = %q, want keychain value", cfg.Identity.AuthToken)
	}
}

func TestAuthTokenEnvWinsOverKeychain(t *testing.T) {
	t.Setenv("OTTO_AUTH_TOKEN", "env-token")

	cfg, err := loadWith(&mockBackend{}, mockKeychain{value: "keychain-token"})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Identity.AuthToken != "env-token" {
		t.Errorf("auth token = %q, want env value", cfg.Identity.AuthToken)
	}
}

func TestBackendErrorPropagates(t *testing.T) {
	b := &mockBackend{err: errors.New("backend exploded")}
	if _, err := loadWith(b, mockKeychain{}); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestSetKeyRejectsSecrets(t *testing.T) {
	if err := SetKey("identity.auth_token", "x"); err == nil {
		t.Fatal("setting a secret through SetKey must fail")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Identity.AuthToken = "super-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "identity.auth_token" {
			t.Error("secret key listed by ShowAll")
		}
		if info.Value == "super-secret" {
			t.Error("secret value leaked by ShowAll")
		}
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "identity.auth_token" {
			t.Error("secret key listed by ValidKeys")
		}
	}
}
