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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestRequireAuth(t *testing.T) {
	var gotSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = subjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	valid := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	expired := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signToken(t, jwt.SigningMethodHS256, "another-secret", jwt.MapClaims{"sub": "x"})
	wrongAlg := signToken(t, jwt.SigningMethodHS512, testSecret, jwt.MapClaims{"sub": "x"})

	tests := []struct {
		name        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "ops@example.com"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized, ""},
		{"wrong algorithm", "Bearer " + wrongAlg, http.StatusUnauthorized, ""},
	}

	handler := requireAuth(testSecret, next)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest("POST", "/api/v1/scan", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantSubject, gotSubject)
		})
	}
}

func TestRequireAuthDisabled(t *testing.T) {
	called := false
	handler := requireAuth("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/rules", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
