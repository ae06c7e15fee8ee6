package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MigrateFromTOML migrates a legacy config.toml file (the format used before
// this service adopted YAML+koanf) into a Config.
//
// The legacy file used a small subset of TOML with two sections:
//
//	[http]
//	host = "127.0.0.1"
//	port = 8080
//
//	[publisher]
//	max_retry_count = 3
//	interval_time = 60000
//	task_interval_time = 1000
//
// Only the http and publisher sections existed in the legacy format; fields
// introduced since (registry, rtsp, log, metrics) are left at their default
// values and must be filled in by the operator after migration.
//
// Parameters:
//   - tomlConfigPath: Path to the legacy config.toml file
//
// Returns:
//   - *Config: Migrated configuration
//   - error: if the file cannot be read or a known field fails to parse
func MigrateFromTOML(tomlConfigPath string) (*Config, error) {
	cfg := DefaultConfig()

	file, err := os.Open(tomlConfigPath) // #nosec G304 -- operator-provided migration source path
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy config: %w", err)
	}
	defer func() { _ = file.Close() }()

	var section string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}

		key, value, ok := parseTOMLKeyValue(line)
		if !ok {
			continue
		}

		switch section {
		case "http":
			if err := applyHTTPValue(&cfg.HTTP, key, value); err != nil {
				return nil, fmt.Errorf("invalid http.%s: %w", key, err)
			}
		case "publisher":
			if err := applyPublisherValue(&cfg.Publisher, key, value); err != nil {
				return nil, fmt.Errorf("invalid publisher.%s: %w", key, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading legacy config: %w", err)
	}

	return cfg, nil
}

// parseTOMLKeyValue parses a single "key = value" line, stripping quotes
// from string values. Does not handle arrays, tables, or multi-line values —
// the legacy format never used them.
func parseTOMLKeyValue(line string) (key, value string, ok bool) {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	key = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	value = strings.Trim(value, `"'`)

	if key == "" {
		return "", "", false
	}

	return key, value, true
}

func applyHTTPValue(cfg *HTTPConfig, key, value string) error {
	switch key {
	case "host":
		cfg.Host = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
		cfg.Port = port
	}
	return nil
}

func applyPublisherValue(cfg *PublisherConfig, key, value string) error {
	switch key {
	case "max_retry_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max_retry_count: %w", err)
		}
		cfg.MaxRetryCount = n
	case "interval_time":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid interval_time: %w", err)
		}
		cfg.IntervalTime = n
	case "task_interval_time":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task_interval_time: %w", err)
		}
		cfg.TaskIntervalTime = n
	}
	return nil
}
