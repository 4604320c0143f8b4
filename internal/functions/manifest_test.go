package functions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		manifest  *Manifest
		expectErr string
	}{
		{
			name:     "empty manifest",
			manifest: &Manifest{},
		},
		{
			name: "valid full manifest",
			manifest: &Manifest{
				Runtime: "python",
				Timeout: "1m30s",
				Origins: []string{"https://*.example.com"},
				Schedules: []ScheduleConfig{
					{Name: "daily", Type: ScheduleCron, Expression: "0 0 * * *"},
					{Name: "poll", Type: ScheduleInterval, Expression: "5m", Timezone: "UTC"},
				},
			},
		},
		{
			name:      "invalid runtime",
			manifest:  &Manifest{Runtime: "ruby"},
			expectErr: "invalid runtime: ruby",
		},
		{
			name:      "invalid timeout",
			manifest:  &Manifest{Timeout: "soon"},
			expectErr: "invalid timeout format: soon",
		},
		{
			name:      "negative timeout",
			manifest:  &Manifest{Timeout: "-5s"},
			expectErr: "invalid timeout format",
		},
		{
			name:      "schedule without name",
			manifest:  &Manifest{Schedules: []ScheduleConfig{{Expression: "@daily"}}},
			expectErr: "schedules[0]: name is required",
		},
		{
			name:      "schedule without expression",
			manifest:  &Manifest{Schedules: []ScheduleConfig{{Name: "x"}}},
			expectErr: "expression is required",
		},
		{
			name:      "bad interval",
			manifest:  &Manifest{Schedules: []ScheduleConfig{{Name: "x", Type: ScheduleInterval, Expression: "often"}}},
			expectErr: "invalid interval expression: often",
		},
		{
			name:      "unknown schedule type",
			manifest:  &Manifest{Schedules: []ScheduleConfig{{Name: "x", Type: "once", Expression: "now"}}},
			expectErr: "invalid schedule type: once",
		},
		{
			name:      "bad timezone",
			manifest:  &Manifest{Schedules: []ScheduleConfig{{Name: "x", Expression: "@daily", Timezone: "Mars/Olympus"}}},
			expectErr: "invalid timezone: Mars/Olympus",
		},
		{
			name: "duplicate schedule names",
			manifest: &Manifest{Schedules: []ScheduleConfig{
				{Name: "x", Expression: "@daily"},
				{Name: "x", Expression: "@hourly"},
			}},
			expectErr: `schedules[1]: duplicate name "x"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if tt.expectErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestManifest_DefaultScheduleType(t *testing.T) {
	m := &Manifest{Schedules: []ScheduleConfig{{Name: "x", Expression: "@daily"}}}
	require.NoError(t, m.Validate())
	assert.Equal(t, ScheduleCron, m.Schedules[0].Type)
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{" 250ms ", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := parseTimeout(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseTimeout("0")
	assert.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FNGATE_TEST_TOKEN", "s3cret")
	writeFile(t, dir, "fn.yaml", `
runtime: node
timeout: 45s
env:
  TOKEN: ${FNGATE_TEST_TOKEN}
  PLAIN: value
schedules:
  - name: tick
    type: interval
    expression: 10s
    params:
      count: 3
`)

	m, err := LoadManifest(filepath.Join(dir, "fn.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", m.Env["TOKEN"])
	assert.Equal(t, "value", m.Env["PLAIN"])
	assert.Equal(t, 45*time.Second, m.TimeoutDuration())
	require.Len(t, m.Schedules, 1)
	assert.Equal(t, 3, m.Schedules[0].Params["count"])

	_, err = LoadManifest(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading manifest")

	writeFile(t, dir, "bad.yaml", "runtime: [node\n")
	_, err = LoadManifest(filepath.Join(dir, "bad.yaml"))
	assert.ErrorContains(t, err, "parsing manifest")
}

func TestManifest_YAMLShape(t *testing.T) {
	var m Manifest
	require.NoError(t, yaml.Unmarshal([]byte("origins: [a, b]\nkeys: [K]\n"), &m))
	assert.Equal(t, []string{"a", "b"}, m.Origins)
	assert.Equal(t, []string{"K"}, m.Keys)
}
