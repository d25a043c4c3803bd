package traffic

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8000" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.Chat {
		t.Fatal("Chat = true, want false by default")
	}
	if !cfg.Unsafe {
		t.Fatal("Unsafe = false, want true by default")
	}
	if cfg.Interval <= 0 || cfg.RowLimit != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapLookup(map[string]string{
		"SQLCHAT_DEMO_API_URL":      " http://demo.local:18000/ ",
		"SQLCHAT_DEMO_API_KEY":      "abc",
		"SQLCHAT_DEMO_INTERVAL":     "1500ms",
		"SQLCHAT_DEMO_HTTP_TIMEOUT": "30s",
		"SQLCHAT_DEMO_CHAT":         "true",
		"SQLCHAT_DEMO_UNSAFE":       "false",
		"SQLCHAT_DEMO_ROW_LIMIT":    "5",
		"SQLCHAT_DEMO_SEED":         "12345",
		"SQLCHAT_DEMO_MAX_REQUESTS": "3",
	}))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://demo.local:18000" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.APIKey != "abc" {
		t.Fatalf("APIKey = %q", cfg.APIKey)
	}
	if cfg.Interval != 1500*time.Millisecond || cfg.HTTPTimeout != 30*time.Second {
		t.Fatalf("Interval = %s HTTPTimeout = %s", cfg.Interval, cfg.HTTPTimeout)
	}
	if !cfg.Chat || cfg.Unsafe {
		t.Fatalf("Chat = %v Unsafe = %v", cfg.Chat, cfg.Unsafe)
	}
	if cfg.RowLimit != 5 || cfg.Seed != 12345 || cfg.MaxRequests != 3 {
		t.Fatalf("unexpected numeric overrides: %+v", cfg)
	}
}

func TestLoadConfigFromEnvRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"SQLCHAT_DEMO_INTERVAL":     "0s",
		"SQLCHAT_DEMO_ROW_LIMIT":    "-1",
		"SQLCHAT_DEMO_CHAT":         "maybe",
		"SQLCHAT_DEMO_MAX_REQUESTS": "x",
	}
	for key, value := range tests {
		_, err := LoadConfigFromEnv(mapLookup(map[string]string{key: value}))
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("%s=%q error = %v, want validation error naming the key", key, value, err)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}
