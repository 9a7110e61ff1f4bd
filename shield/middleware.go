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
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

// Middleware screens incoming requests for SQL injection.
type Middleware struct {
	detector *sqli.Detector
	cfg      sqli.ScanConfig
	reporter *Reporter
	log      *logger.Logger
	maxBody  int64
}

// NewMiddleware creates the request screening middleware.
func NewMiddleware(detector *sqli.Detector, cfg sqli.ScanConfig, reporter *Reporter, maxBody int64, log *logger.Logger) *Middleware {
	if maxBody <= 0 {
		maxBody = DefaultConfig().MaxBodyBytes
	}
	return &Middleware{
		detector: detector,
		cfg:      cfg,
		reporter: reporter,
		log:      log,
		maxBody:  maxBody,
	}
}

// Handler wraps next. It has the shape of mux.MiddlewareFunc.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Silent mode without a sink has nothing to do with a verdict.
		if m.cfg.Mode == sqli.ModeSilent && !m.cfg.ReportingEnabled {
			ensureRequestID(w, r)
			next.ServeHTTP(w, r)
			return
		}

		payload := m.extractPayload(r)
		ev := m.detector.Evaluate(r.Context(), payload, m.cfg)
		observeEvaluation(ev, m.cfg.Mode)

		// Assigned after the scan so a generated id is never scanned.
		ensureRequestID(w, r)

		if ev.ShouldReport {
			if event := sqli.NewDetectionEvent(ev, m.cfg.Mode); event != nil {
				attachRequest(event, r)
				m.reporter.Report(r.Context(), event)
			}
		}

		if ev.Action == sqli.ActionBlock {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "SQL injection attempt detected",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractPayload collects the configured request parts.
func (m *Middleware) extractPayload(r *http.Request) sqli.Payload {
	payload := make(sqli.Payload)

	if m.cfg.ScansSource(sqli.SourceQuery) {
		if q := r.URL.Query(); len(q) > 0 {
			payload[sqli.SourceQuery] = q
		}
	}

	if m.cfg.ScansSource(sqli.SourceBody) {
		if body, ok := m.readBody(r); ok {
			payload[sqli.SourceBody] = body
		}
	}

	if m.cfg.ScansSource(sqli.SourceParams) {
		if vars := mux.Vars(r); len(vars) > 0 {
			payload[sqli.SourceParams] = vars
		}
	}

	if m.cfg.ScansSource(sqli.SourceCookies) {
		if cookies := r.Cookies(); len(cookies) > 0 {
			jar := make(map[string]string, len(cookies))
			for _, c := range cookies {
				jar[c.Name] = c.Value
			}
			payload[sqli.SourceCookies] = jar
		}
	}

	if m.cfg.ScansSource(sqli.SourceHeaders) && len(r.Header) > 0 {
		payload[sqli.SourceHeaders] = r.Header
	}

	return payload
}

// readBody decodes a JSON or form body and restores r.Body so downstream
// handlers can read it again. Other content types are not scanned.
func (m *Middleware) readBody(r *http.Request) (interface{}, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" && mediaType != "application/x-www-form-urlencoded" &&
		!strings.HasSuffix(mediaType, "+json") {
		return nil, false
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, m.maxBody+1))
	rest := r.Body
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(data), rest), closer: rest}
	if err != nil {
		m.log.Warn("", r.Header.Get("X-Request-ID"), "Failed to read request body", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, false
	}
	if int64(len(data)) > m.maxBody {
		m.log.Warn("", r.Header.Get("X-Request-ID"), "Request body exceeds scan limit, scanning prefix as text", map[string]interface{}{
			"limit": m.maxBody,
		})
		return string(data[:m.maxBody]), true
	}
	if len(data) == 0 {
		return nil, false
	}

	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(data))
		if err != nil {
			return string(data), true
		}
		return form, true
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body interface{}
	if err := dec.Decode(&body); err != nil {
		// Malformed JSON is still attacker input.
		return string(data), true
	}
	return body, true
}

// replayBody serves the buffered prefix and then the unread remainder.
type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

func ensureRequestID(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.New().String()
		r.Header.Set("X-Request-ID", id)
	}
	w.Header().Set("X-Request-ID", id)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
