package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.base_url", typ: kString, env: "OTTO_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "identity.base_url", typ: kString, env: "OTTO_IDENTITY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Identity.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.BaseURL },
	},
	{
		key: "identity.auth_token", typ: kString, env: "OTTO_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Identity.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.AuthToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OTTO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "connect.callback_addr", typ: kString, env: "OTTO_CONNECT_CALLBACK_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Connect.CallbackAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Connect.CallbackAddr },
	},
	{
		key: "notify.budget_ms", typ: kInt, env: "OTTO_NOTIFY_BUDGET_MS",
		apply:   func(cfg *Config, v any) { cfg.Notify.BudgetMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.BudgetMS },
	},
	{
		key: "log.level", typ: kString, env: "OTTO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
