package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret-1")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected default address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "internote.db" {
		t.Fatalf("unexpected default database path %q", cfg.DatabasePath)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected default token ttl %v", cfg.TokenTTL)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("unexpected default sync interval %v", cfg.SyncInterval)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected default log level %q", cfg.LogLevel)
	}
}

func TestLoadRejectsMissingSigningSecret(t *testing.T) {
	v := NewViper()
	if _, err := Load(v); err == nil {
		t.Fatalf("expected missing signing secret rejection")
	}
}

func TestLoadRejectsNonPositiveTokenTTL(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret-1")
	v.Set("token.ttl_minutes", 0)
	if _, err := Load(v); err == nil {
		t.Fatalf("expected ttl rejection")
	}
}

func TestLoadSyncValidatesRequiredFields(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"api.base_url": "http://localhost:8080",
			"api.token":    "token-1",
		}
	}

	tests := []struct {
		name     string
		mutate   func(map[string]any)
		expectOK bool
	}{
		{name: "complete", mutate: func(m map[string]any) {}, expectOK: true},
		{name: "missing-base-url", mutate: func(m map[string]any) { delete(m, "api.base_url") }},
		{name: "missing-token", mutate: func(m map[string]any) { delete(m, "api.token") }},
		{name: "zero-interval", mutate: func(m map[string]any) { m["sync.interval_seconds"] = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			values := base()
			tt.mutate(values)
			for key, value := range values {
				v.Set(key, value)
			}

			cfg, err := LoadSync(v)
			if tt.expectOK {
				if err != nil {
					t.Fatalf("load failed: %v", err)
				}
				if cfg.CachePath != "internote-cache.db" {
					t.Fatalf("unexpected default cache path %q", cfg.CachePath)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}
}
