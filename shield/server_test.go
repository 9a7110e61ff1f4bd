// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shield

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
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

	"sqlshield/shield/sqli"
)

func newTestServer(t *testing.T, mutate func(*Config), deps Dependencies) *httptest.Server {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewServer(cfg, deps, testLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, Dependencies{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sqlshield", body["service"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "warn", body["mode"])
	assert.Equal(t, float64(sqli.DefaultRules().Len()), body["rules"])
}

func TestScanEndpoint(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Mode = "block" }, Dependencies{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAction sqli.Action
		wantPath   string
	}{
		{
			name:       "clean payload",
			body:       `{"payload":{"query":{"id":"1"}}}`,
			wantStatus: http.StatusOK,
			wantAction: sqli.ActionAllow,
		},
		{
			name:       "rule hit blocks",
			body:       `{"payload":{"query":{"id":"1 OR 1=1"}}}`,
			wantStatus: http.StatusOK,
			wantAction: sqli.ActionBlock,
			wantPath:   "query.id",
		},
		{
			name:       "mode override",
			body:       `{"payload":{"body":{"user":{"name":"admin' --"}}},"mode":"warn"}`,
			wantStatus: http.StatusOK,
			wantAction: sqli.ActionAllow,
			wantPath:   "body.user.name",
		},
		{
			name:       "unknown source",
			body:       `{"payload":{"fragment":"x"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid mode",
			body:       `{"payload":{},"mode":"paranoid"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"payload":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/scan", tt.body, "")
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var out ScanResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.wantAction, out.Action)
			if tt.wantPath == "" {
				assert.Nil(t, out.Report)
				return
			}
			require.NotNil(t, out.Report)
			assert.Equal(t, tt.wantPath, out.Report.FieldPath)
			assert.True(t, out.ShouldReport)
		})
	}
}

func TestScanEndpointRequiresToken(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.JWTSecret = testSecret }, Dependencies{})

	resp := postJSON(t, ts.URL+"/api/v1/scan", `{"payload":{}}`, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ci",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	resp = postJSON(t, ts.URL+"/api/v1/scan", `{"payload":{"query":{"id":"1"}}}`, token)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInspectEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, Dependencies{})

	resp := postJSON(t, ts.URL+"/api/v1/inspect", `{"input":"select id from users where name"}`, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v sqli.Verdict
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.True(t, v.IsInjection)
	assert.Equal(t, sqli.VerdictHeuristic, v.Source)
	require.NotNil(t, v.Confidence)
	assert.InDelta(t, 0.9, *v.Confidence, 0.001)
}

func TestRulesEndpoint(t *testing.T) {
	custom, errs := sqli.CompileRules([]sqli.RuleRecord{
		{ID: "CUSTOM-001", Pattern: `\bshutdown\b`, Severity: "critical"},
	})
	require.Empty(t, errs)
	detector := sqli.NewDetector(sqli.WithRuleSet(custom))
	ts := newTestServer(t, nil, Dependencies{Detector: detector})

	resp, err := http.Get(ts.URL + "/api/v1/rules")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Rules []ruleInfo `json:"rules"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "CUSTOM-001", body.Rules[0].ID)
	assert.Equal(t, "critical", body.Rules[0].Severity)
	assert.Contains(t, body.Rules[0].Pattern, "shutdown")
}

func TestDemoRoutesAreShielded(t *testing.T) {
	sink := &collectingSink{}
	ts := newTestServer(t, func(c *Config) { c.Mode = "block" }, Dependencies{Sinks: []Sink{sink}})

	resp, err := http.Get(ts.URL + "/demo/test?id=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/demo/test?id=1%20OR%201=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/demo/users/1%20OR%201=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "params.id", events[1].FieldPath)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var metrics map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.Equal(t, float64(3), metrics["scans_total"])
	assert.Equal(t, float64(2), metrics["blocked_total"])
}

func TestPrometheusEndpoint(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Mode = "block" }, Dependencies{})

	resp, err := http.Get(ts.URL + "/demo/test?id=1%20OR%201=1")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()

	var found bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), `sqlshield_evaluations_total{action="block",mode="block"}`) {
			found = true
		}
	}
	assert.True(t, found, "block evaluation counter should be exported")
}

func TestServerClose(t *testing.T) {
	var order []string
	s := NewServer(DefaultConfig(), Dependencies{Closers: []func(context.Context) error{
		func(context.Context) error { order = append(order, "first"); return nil },
		func(context.Context) error { order = append(order, "second"); return errors.New("boom") },
	}}, testLogger())

	err := s.Close(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBuildWithFileSink(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Mode = "block"
	cfg.LogToFile = true
	cfg.LogFile = filepath.Join(dir, "shield.log")
	cfg.RulesFile = filepath.Join(dir, "missing-rules.yaml")

	s, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.True(t, s.ScanConfig().ReportingEnabled)
	assert.Equal(t, sqli.DefaultRules().Len(), s.detector.Rules().Len(), "missing catalog falls back to built-in rules")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/demo/test?id=1%20OR%201=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, s.Close(context.Background()))

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SQLI-003")
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "paranoid"
	_, err := Build(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "invalid mode")
}
