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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const subjectContextKey contextKey = "sqlshield.subject"

// validateToken checks an HS256 bearer token and returns its subject.
func validateToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}

// requireAuth guards the management API with a bearer token. An empty secret
// leaves the API open.
func requireAuth(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	key := []byte(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			sendErrorResponse(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}

		sub, err := validateToken(tokenString, key)
		if err != nil {
			sendErrorResponse(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// subjectFromContext returns the authenticated subject, if any.
func subjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectContextKey).(string)
	return sub
}
