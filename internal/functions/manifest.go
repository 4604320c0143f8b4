package functions

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional <name>.yaml file next to a function source file.
type Manifest struct {
	Runtime   string            `yaml:"runtime"`
	Timeout   string            `yaml:"timeout"`
	Env       map[string]string `yaml:"env"`
	Origins   []string          `yaml:"origins"`
	Keys      []string          `yaml:"keys"`
	Schedules []ScheduleConfig  `yaml:"schedules"`
}

// ScheduleConfig runs a function on a timer.
type ScheduleConfig struct {
	Name       string         `yaml:"name" json:"name"`
	Type       string         `yaml:"type" json:"type"`
	Expression string         `yaml:"expression" json:"expression"`
	Timezone   string         `yaml:"timezone" json:"timezone,omitempty"`
	Params     map[string]any `yaml:"params" json:"params,omitempty"`
}

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
)

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	for k, v := range manifest.Env {
		manifest.Env[k] = os.ExpandEnv(v)
	}
	return &manifest, nil
}

// Validate validates the manifest structure.
func (m *Manifest) Validate() error {
	if m.Runtime != "" {
		if _, ok := defaultRuntimes[Runtime(m.Runtime)]; !ok {
			return fmt.Errorf("manifest: invalid runtime: %s (must be node, python, deno, or bun)", m.Runtime)
		}
	}

	if m.Timeout != "" {
		if _, err := parseTimeout(m.Timeout); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}

	seen := make(map[string]bool, len(m.Schedules))
	for i := range m.Schedules {
		s := &m.Schedules[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("manifest: schedules[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("manifest: schedules[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// TimeoutDuration returns the parsed timeout, or zero when unset.
func (m *Manifest) TimeoutDuration() time.Duration {
	d, _ := parseTimeout(m.Timeout)
	return d
}

// Validate validates the schedule configuration. Cron syntax is checked by
// the scheduler when the entry is added.
func (s *ScheduleConfig) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Type == "" {
		s.Type = ScheduleCron
	}
	if strings.TrimSpace(s.Expression) == "" {
		return errors.New("expression is required")
	}

	switch s.Type {
	case ScheduleCron:
	case ScheduleInterval:
		d, err := time.ParseDuration(s.Expression)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid interval expression: %s", s.Expression)
		}
	default:
		return fmt.Errorf("invalid schedule type: %s (must be cron or interval)", s.Type)
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %s", s.Timezone)
		}
	}
	return nil
}

// parseTimeout accepts Go durations ("1m30s") and bare seconds ("30").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout format: %s", s)
	}
	return d, nil
}
