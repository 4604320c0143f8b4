package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fngate/internal/functions"
)

type maintenanceFlag bool

func (m *maintenanceFlag) Maintenance() bool     { return bool(*m) }
func (m *maintenanceFlag) SetMaintenance(v bool) { *m = maintenanceFlag(v) }

func newRegistry(t *testing.T, files map[string]string) *functions.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	l, err := functions.NewLoader(functions.LoaderOptions{
		Dir:      dir,
		Runtimes: map[functions.Runtime]functions.RuntimeConfig{functions.RuntimeNode: {Command: "fngate-test-node"}},
	})
	require.NoError(t, err)
	reg := functions.NewRegistry(l)
	require.NoError(t, reg.Load())
	return reg
}

func getHealth(t *testing.T, h *HealthHandlers) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/_/health", nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestHealth_NoFunctions(t *testing.T) {
	h := NewHealthHandlers(newRegistry(t, nil), nil, nil, "1.0.0")

	code, resp := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.Equal(t, "no functions loaded", resp.Components["functions"].Message)
	assert.NotContains(t, resp.Components, "scheduler")
}

func TestHealth_Runtimes(t *testing.T) {
	reg := newRegistry(t, map[string]string{
		"hello.js": "/**\n * @param {string} [name=world]\n */\nmodule.exports = async (name) => name;\n",
	})
	flag := maintenanceFlag(true)
	h := NewHealthHandlers(reg, nil, &flag, "dev")

	var looked []string
	h.LookPath = func(file string) (string, error) {
		looked = append(looked, file)
		return "", errors.New("not found")
	}
	code, resp := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.True(t, resp.Maintenance)
	assert.Equal(t, []string{"fngate-test-node"}, looked)
	assert.Equal(t, "missing executables: node (fngate-test-node)", resp.Components["runtimes"].Message)

	h.LookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	_, resp = getHealth(t, h)
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Equal(t, "node", resp.Components["runtimes"].Message)
}

func TestHealth_NilRegistry(t *testing.T) {
	code, resp := getHealth(t, NewHealthHandlers(nil, nil, nil, ""))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
}

func TestStats_ByRuntime(t *testing.T) {
	reg := newRegistry(t, map[string]string{
		"a.js": "module.exports = async () => 1;\n",
		"b.js": "module.exports = async () => 2;\n",
	})
	rec := httptest.NewRecorder()
	NewHealthHandlers(reg, nil, nil, "").Stats(rec, httptest.NewRequest(http.MethodGet, "/_/stats", nil))

	var stats GatewayStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Functions)
	assert.Equal(t, map[string]int{"node": 2}, stats.ByRuntime)
	assert.NotEmpty(t, stats.Process.GoVersion)
}
