package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Config{BaseURL: "http://file:8000", LogLevel: "info"}
	err := ApplyEnv(&cfg, mapLookup(map[string]string{
		"ZSTUDIO_BASE_URL":           "http://env:9000",
		"ZSTUDIO_LOG_LEVEL":          "  ",
		"ZSTUDIO_LOAD_TIMEOUT":       "45s",
		"ZSTUDIO_RECONNECT_ATTEMPTS": "4",
		"ZSTUDIO_READY_PATTERNS":     "^ready$, warmed up ,",
		"ZSTUDIO_SETTINGS_FILE":      "~/.zstudio.json",
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.BaseURL != "http://env:9000" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.LoadTimeout.Std() != 45*time.Second || cfg.ReconnectAttempts != 4 || cfg.SettingsFile != "~/.zstudio.json" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.ReadyPatterns) != 2 || cfg.ReadyPatterns[1] != "warmed up" {
		t.Fatalf("patterns: %q", cfg.ReadyPatterns)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	for k, v := range map[string]string{
		"ZSTUDIO_REQUEST_TIMEOUT":    "soon",
		"ZSTUDIO_RECONNECT_ATTEMPTS": "many",
	} {
		var cfg Config
		if err := ApplyEnv(&cfg, mapLookup(map[string]string{k: v})); err == nil {
			t.Fatalf("%s=%s: expected error", k, v)
		}
	}
}

func TestLoadDotenv(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, ".env")
	if err := os.WriteFile(p, []byte("ZSTUDIO_TEST_DOTENV=from-file\nZSTUDIO_TEST_KEEP=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ZSTUDIO_TEST_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("ZSTUDIO_TEST_DOTENV") })

	if err := LoadDotenv(p, filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("dotenv: %v", err)
	}
	if got := os.Getenv("ZSTUDIO_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
	if got := os.Getenv("ZSTUDIO_TEST_KEEP"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
}

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}
