package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// FileConfig is the on-disk form of Config. Durations are Go duration
// strings ("10ms", "1s"). Handlers cannot be expressed in a file and are
// left nil.
//
// Example (YAML):
//
//	name: ingest
//	min_threads: 4
//	max_threads: 16
//	dispatch_interval: 5ms
//	stall_threshold: 200ms
type FileConfig struct {
	Name             string `json:"name,omitempty"`
	MinThreads       int    `json:"min_threads,omitempty"`
	MaxThreads       int    `json:"max_threads,omitempty"`
	DispatchInterval string `json:"dispatch_interval,omitempty"`
	StallThreshold   string `json:"stall_threshold,omitempty"`
	GrowthStep       int    `json:"growth_step,omitempty"`
	BalanceSlack     int    `json:"balance_slack,omitempty"`
	IdleSpin         int    `json:"idle_spin,omitempty"`
	IdleWait         string `json:"idle_wait,omitempty"`
	HistoryCapacity  int    `json:"history_capacity,omitempty"`
}

// LoadConfigFile reads a JSON or YAML (by extension) config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	format := "json"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	}
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a config document. format is "json" or "yaml".
// Unknown fields are rejected.
func ParseConfig(data []byte, format string) (*Config, error) {
	if format == "yaml" {
		j, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = j
	}

	var fc FileConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	return fc.ToConfig()
}

// ToConfig converts and validates the file form.
func (fc FileConfig) ToConfig() (*Config, error) {
	cfg := &Config{
		Name:            fc.Name,
		MinThreads:      fc.MinThreads,
		MaxThreads:      fc.MaxThreads,
		GrowthStep:      fc.GrowthStep,
		BalanceSlack:    fc.BalanceSlack,
		IdleSpin:        fc.IdleSpin,
		HistoryCapacity: fc.HistoryCapacity,
	}

	var err error
	if cfg.DispatchInterval, err = parseDurationField("dispatch_interval", fc.DispatchInterval); err != nil {
		return nil, err
	}
	if cfg.StallThreshold, err = parseDurationField("stall_threshold", fc.StallThreshold); err != nil {
		return nil, err
	}
	if cfg.IdleWait, err = parseDurationField("idle_wait", fc.IdleWait); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// yamlToJSON lets YAML documents go through the strict JSON decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
