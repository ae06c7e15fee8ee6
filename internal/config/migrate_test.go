package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLegacyTOML(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write legacy config: %v", err)
	}
	return path
}

func TestMigrateFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeLegacyTOML(t, dir, `[http]
host = "0.0.0.0"
port = 9090

[publisher]
max_retry_count = 5
interval_time = 30000
task_interval_time = 500
`)

	cfg, err := MigrateFromTOML(path)
	if err != nil {
		t.Fatalf("MigrateFromTOML() error = %v", err)
	}

	if cfg.HTTP.Host != "0.0.0.0" {
		t.Errorf("HTTP.Host = %q, want \"0.0.0.0\"", cfg.HTTP.Host)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Publisher.MaxRetryCount != 5 {
		t.Errorf("Publisher.MaxRetryCount = %d, want 5", cfg.Publisher.MaxRetryCount)
	}
	if cfg.Publisher.IntervalTime != 30000 {
		t.Errorf("Publisher.IntervalTime = %d, want 30000", cfg.Publisher.IntervalTime)
	}
	if cfg.Publisher.TaskIntervalTime != 500 {
		t.Errorf("Publisher.TaskIntervalTime = %d, want 500", cfg.Publisher.TaskIntervalTime)
	}

	// Fields absent from the legacy format keep their defaults.
	if cfg.Registry.DBPath == "" {
		t.Error("Registry.DBPath should keep its default value after migration")
	}
}

func TestMigrateFromTOMLMissingFile(t *testing.T) {
	_, err := MigrateFromTOML("/nonexistent/config.toml")
	if err == nil {
		t.Error("MigrateFromTOML() expected error for missing file, got nil")
	}
}

func TestMigrateFromTOMLIgnoresUnknownSections(t *testing.T) {
	dir := t.TempDir()
	path := writeLegacyTOML(t, dir, `[unknown]
foo = "bar"

[http]
host = "127.0.0.1"
port = 8080
`)

	cfg, err := MigrateFromTOML(path)
	if err != nil {
		t.Fatalf("MigrateFromTOML() error = %v", err)
	}
	if cfg.HTTP.Host != "127.0.0.1" {
		t.Errorf("HTTP.Host = %q, want \"127.0.0.1\"", cfg.HTTP.Host)
	}
}

func TestMigrateAndSave(t *testing.T) {
	dir := t.TempDir()
	path := writeLegacyTOML(t, dir, `[http]
host = "127.0.0.1"
port = 8080

[publisher]
max_retry_count = 3
interval_time = 60000
task_interval_time = 1000
`)

	cfg, err := MigrateFromTOML(path)
	if err != nil {
		t.Fatalf("MigrateFromTOML() error = %v", err)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := cfg.Save(yamlPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(yamlPath); os.IsNotExist(err) {
		t.Error("Save() did not create YAML file")
	}

	loaded, err := LoadConfig(yamlPath)
	if err != nil {
		t.Fatalf("LoadConfig() after migration error = %v", err)
	}

	if loaded.HTTP.Port != cfg.HTTP.Port {
		t.Errorf("HTTP.Port mismatch after migration: got %d, want %d", loaded.HTTP.Port, cfg.HTTP.Port)
	}
}

func TestParseTOMLKeyValue(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantKey   string
		wantValue string
		wantOK    bool
	}{
		{"simple", "host = \"127.0.0.1\"", "host", "127.0.0.1", true},
		{"int value", "port = 8080", "port", "8080", true},
		{"no spaces", "port=8080", "port", "8080", true},
		{"single quotes", "host = '0.0.0.0'", "host", "0.0.0.0", true},
		{"no equals", "not a key value line", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotKey, gotValue, gotOK := parseTOMLKeyValue(tt.line)
			if gotOK != tt.wantOK {
				t.Errorf("parseTOMLKeyValue() ok = %v, want %v", gotOK, tt.wantOK)
			}
			if gotKey != tt.wantKey {
				t.Errorf("parseTOMLKeyValue() key = %q, want %q", gotKey, tt.wantKey)
			}
			if gotValue != tt.wantValue {
				t.Errorf("parseTOMLKeyValue() value = %q, want %q", gotValue, tt.wantValue)
			}
		})
	}
}

func BenchmarkMigrateFromTOML(b *testing.B) {
	dir := b.TempDir()
	path := filepath.Join(dir, "config.toml")
	_ = os.WriteFile(path, []byte("[http]\nhost = \"127.0.0.1\"\nport = 8080\n"), 0644)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = MigrateFromTOML(path)
	}
}
