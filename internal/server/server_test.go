package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/config"
	"github.com/watzon/fngate/internal/gateway"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/requestctx"
	"github.com/watzon/fngate/internal/server/requestlog"
	"github.com/watzon/fngate/internal/value"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var hello = invocation.HandlerFunc(func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
	name, _ := ec.Args[0].AsString()
	return value.String("hi " + name), nil
})

const helloDoc = "Says hi\n@param {string} [name=world]\n@returns {string}"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.Compression = false
	cfg.Functions.Path = t.TempDir()
	return cfg
}

func setupTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	opts = append([]Option{WithVersion("test"), WithFunction("/hello", helloDoc, hello)}, opts...)
	srv, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.scheduler.Stop()
		srv.stopResolvers()
	})
	return srv
}

func serve(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) apierror.Kind {
	t.Helper()
	var body apierror.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Type
}

func writeFunction(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestServer_InvokesNativeFunction(t *testing.T) {
	srv := setupTestServer(t, nil)

	rec := serve(srv, http.MethodGet, "/hello/?name=Ada", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `"hi Ada"`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(gateway.HeaderExecutionID))
	assert.NotEmpty(t, rec.Header().Get(requestctx.HeaderRequestID))

	rec = serve(srv, http.MethodPost, "/hello/", `{"name":"Grace"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `"hi Grace"`, rec.Body.String())
}

func TestServer_UnknownRoute(t *testing.T) {
	srv := setupTestServer(t, nil)

	rec := serve(srv, http.MethodGet, "/missing/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierror.KindNotFound, errorKind(t, rec))
}

func TestServer_AdminRoutes(t *testing.T) {
	srv := setupTestServer(t, nil)

	rec := serve(srv, http.MethodGet, "/_/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test", health["version"])

	rec = serve(srv, http.MethodGet, "/_/functions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Functions []map[string]any `json:"functions"`
		Total     int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "hello", list.Functions[0]["name"])

	rec = serve(srv, http.MethodGet, "/_/functions/hello", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(srv, http.MethodGet, "/_/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(srv, http.MethodGet, "/_/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fngate_functions_loaded")

	rec = serve(srv, http.MethodGet, "/_/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Admin = false
	srv := setupTestServer(t, cfg)

	rec := serve(srv, http.MethodGet, "/_/functions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Maintenance(t *testing.T) {
	srv := setupTestServer(t, nil)

	rec := serve(srv, http.MethodPost, "/_/maintenance", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, srv.Maintenance())

	rec = serve(srv, http.MethodGet, "/hello/", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apierror.KindMaintenance, errorKind(t, rec))

	rec = serve(srv, http.MethodPost, "/_/maintenance", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv.SetMaintenance(false)
	rec = serve(srv, http.MethodGet, "/hello/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RequiredAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	cfg.Auth.Required = true
	cfg.Auth.JWT.Secret = testSecret
	srv := setupTestServer(t, cfg)

	rec := serve(srv, http.MethodGet, "/hello/", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.KindAccessAuth, errorKind(t, rec))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/hello/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entries := srv.RequestLogs().List(requestlog.Query{}).Entries
	require.Len(t, entries, 2)
	assert.Equal(t, "user-1", entries[0].Subject)
	assert.Equal(t, string(apierror.KindAccessAuth), entries[1].ErrorType)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Unauthenticated.Max = 1
	srv := setupTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/hello/", "").Code)
	rec := serve(srv, http.MethodGet, "/hello/", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apierror.KindUnauthRateLimit, errorKind(t, rec))
}

func TestServer_Keys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Keys = map[string]string{"STRIPE": "sk_config"}
	cfg.Gateway.KeyEnvPrefix = "FNGATE_TEST_KEY_"
	t.Setenv("FNGATE_TEST_KEY_MAILGUN", "mg_env")
	t.Setenv("FNGATE_TEST_KEY_STRIPE", "sk_env")

	keys := invocation.HandlerFunc(func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		stripe, _ := ec.Key("STRIPE")
		mailgun, _ := ec.Key("MAILGUN")
		return value.ObjectOf(value.P("stripe", value.String(stripe)), value.P("mailgun", value.String(mailgun))), nil
	})
	srv := setupTestServer(t, cfg, WithFunction("/keys", "@keys STRIPE MAILGUN", keys))

	rec := serve(srv, http.MethodGet, "/keys/", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"stripe":"sk_config","mailgun":"mg_env"}`, rec.Body.String())
}

func TestServer_RequestLog(t *testing.T) {
	srv := setupTestServer(t, nil)

	serve(srv, http.MethodGet, "/hello/?name=Ada", "")
	serve(srv, http.MethodGet, "/missing/", "")
	serve(srv, http.MethodGet, "/_/health", "")

	rec := serve(srv, http.MethodGet, "/_/requests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []map[string]any `json:"entries"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.Equal(t, 2, body.Total, "admin requests are not recorded")

	rec = serve(srv, http.MethodPost, "/_/requests/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, srv.RequestLogs().Count())
}

func TestServer_LoadFailure(t *testing.T) {
	cfg := testConfig(t)
	writeFunction(t, cfg.Functions.Path, "broken.js", "nothing here\n")

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading functions")

	cfg.Dev.Enabled = true
	cfg.Dev.Watch = false
	srv := setupTestServer(t, cfg)
	rec := serve(srv, http.MethodGet, "/_/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Reload(t *testing.T) {
	cfg := testConfig(t)
	srv := setupTestServer(t, cfg)

	writeFunction(t, cfg.Functions.Path, "report.js", "/**\n* @param {string} name\n*/\nmodule.exports = (name) => name;\n")
	writeFunction(t, cfg.Functions.Path, "report.yaml", "schedules:\n  - name: hourly\n    expression: \"@hourly\"\n")

	rec := serve(srv, http.MethodPost, "/_/reload", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"reloaded":true,"functions":2}`, rec.Body.String())

	rec = serve(srv, http.MethodGet, "/_/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var schedules struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schedules))
	assert.Equal(t, 1, schedules.Total)

	writeFunction(t, cfg.Functions.Path, "broken.js", "nothing here\n")
	rec = serve(srv, http.MethodPost, "/_/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apierror.KindFatal, errorKind(t, rec))

	_, ok := srv.Registry().Lookup("/report/")
	assert.True(t, ok, "previous table keeps serving")
}

func TestServer_OriginRule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Origins.Allow = []string{"https://*.example.com"}
	srv := setupTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/hello/", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, apierror.KindOrigin, errorKind(t, rec))

	cfg = testConfig(t)
	cfg.Origins.Rule = "origin ==="
	_, err := New(cfg)
	assert.ErrorContains(t, err, "origins.rule")
}
