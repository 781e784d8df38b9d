package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// durationField maps a human path such as "stream.pollInterval" onto the
// integer field that stores it in unit steps.
type durationField struct {
	path string
	unit time.Duration
}

var durationFields = map[string]durationField{
	"server.readHeaderTimeout": {"server.readHeaderTimeoutSeconds", time.Second},
	"server.heartbeat":         {"server.heartbeatSeconds", time.Second},
	"auth.tokenTTL":            {"auth.tokenTTLHours", time.Hour},
	"stream.retention":         {"stream.retentionSeconds", time.Second},
	"stream.maxLifetime":       {"stream.maxLifetimeSeconds", time.Second},
	"stream.pollInterval":      {"stream.pollIntervalMillis", time.Millisecond},
	"stream.sweepInterval":     {"stream.sweepIntervalSeconds", time.Second},
	"generation.timeout":       {"generation.timeoutSeconds", time.Second},
	"generation.lease":         {"generation.leaseSeconds", time.Second},
	"resume.staleness":         {"resume.stalenessSeconds", time.Second},
}

// unitFor returns the unit of a stored duration field ("stream.pollIntervalMillis").
func unitFor(path string) (time.Duration, bool) {
	for _, f := range durationFields {
		if f.path == path {
			return f.unit, true
		}
	}
	return 0, false
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "server.port").
// Duration paths such as "generation.timeout" render as Go durations.
func GetByPath(cfg *Config, path string) (any, error) {
	if f, ok := durationFields[path]; ok {
		v, err := GetByPath(cfg, f.path)
		if err != nil {
			return nil, err
		}
		n, _ := v.(float64)
		return (time.Duration(n) * f.unit).String(), nil
	}

	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. The change is applied
// to a copy and only committed to cfg when the result passes Validate.
// Duration fields accept Go durations ("90s", "250ms") as well as plain
// integers in the field's unit.
func SetByPath(cfg *Config, path string, value any) error {
	parts := strings.Split(path, ".")
	if path == "" || len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	if f, ok := durationFields[path]; ok {
		path, parts = f.path, strings.Split(f.path, ".")
	}

	parsed, err := parseFor(path, value)
	if err != nil {
		return err
	}

	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	parent := m
	for i, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			// Only provider entries may be created on the fly.
			if (i == 0 && key == "providers") || (i == 1 && parts[0] == "providers") {
				created := make(map[string]any)
				parent[key] = created
				parent = created
				continue
			}
			return fmt.Errorf("key not found: %s", path)
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
		parent = childMap
	}
	last := parts[len(parts)-1]
	if _, ok := parent[last]; !ok && !settableOptional(path) {
		return fmt.Errorf("key not found: %s", path)
	}
	parent[last] = parsed

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// settableOptional reports whether path names an omitempty field that may be
// absent from the rendered config.
func settableOptional(path string) bool {
	switch path {
	case "general.logFile", "generation.systemPrompt", "generation.maxTokens",
		"catalog.path", "failoverChain":
		return true
	}
	parts := strings.Split(path, ".")
	return len(parts) == 3 && parts[0] == "providers"
}

// parseFor converts a CLI string to the JSON value stored at path.
func parseFor(path string, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if unit, ok := unitFor(path); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: expected a duration or an integer, got %q", path, s)
		}
		if d%unit != 0 {
			return nil, fmt.Errorf("%s: %s is not a whole number of %s", path, d, unit)
		}
		return int64(d / unit), nil
	}
	if path == "failoverChain" {
		if s == "" {
			return []string{}, nil
		}
		return strings.Split(s, ","), nil
	}
	return parseValue(s), nil
}

// parseValue tries to convert string values to appropriate Go types.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg // Return original on marshal error
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for name, prov := range copy.Providers {
		if prov.APIKey != "" {
			prov.APIKey = maskString(prov.APIKey)
		}
		copy.Providers[name] = prov
	}
	if copy.Auth.Secret != "" {
		copy.Auth.Secret = maskString(copy.Auth.Secret)
	}
	// Remote DSNs carry credentials; sqlite paths do not.
	if copy.Database.Driver != "sqlite" && copy.Database.DSN != "" {
		copy.Database.DSN = maskString(copy.Database.DSN)
	}
	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value, secrets
// masked. Duration fields are listed under their duration alias too.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(Sanitize(cfg))
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	for alias := range durationFields {
		if v, err := GetByPath(cfg, alias); err == nil {
			result[alias] = v
		}
	}
	return result
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMap(path, val, result)
		default:
			result[path] = val
		}
	}
}
