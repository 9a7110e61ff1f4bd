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
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

// Sink receives reported detections. Implementations must not block the
// request for long; slow work belongs on a queue.
type Sink interface {
	Report(ctx context.Context, event *sqli.DetectionEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *sqli.DetectionEvent)

// Report calls f.
func (f SinkFunc) Report(ctx context.Context, event *sqli.DetectionEvent) {
	f(ctx, event)
}

// Reporter stamps events with an id, writes them to the console log and
// fans them out to every sink.
type Reporter struct {
	log   *logger.Logger
	sinks []Sink
}

// NewReporter creates a reporter. Nil sinks are dropped.
func NewReporter(log *logger.Logger, sinks ...Sink) *Reporter {
	r := &Reporter{log: log}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// HasSinks reports whether anything beyond the console receives events.
func (r *Reporter) HasSinks() bool {
	return r != nil && len(r.sinks) > 0
}

// Report delivers event to the console log and every sink.
func (r *Reporter) Report(ctx context.Context, event *sqli.DetectionEvent) {
	if r == nil || event == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}

	r.log.Warn("", event.RequestID, "SQL injection attempt detected", event.ToDetails())
	for _, s := range r.sinks {
		s.Report(ctx, event)
	}
}

// LogSink writes one JSON line per event through a logger.
type LogSink struct {
	log  *logger.Logger
	file *os.File
}

// NewFileSink opens (creating parent directories) an append-only detection
// log at path.
func NewFileSink(path string) (*LogSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open detection log: %w", err)
	}
	return &LogSink{log: logger.NewWithWriter("shield", f), file: f}, nil
}

// Report implements Sink.
func (s *LogSink) Report(_ context.Context, event *sqli.DetectionEvent) {
	fields := event.ToDetails()
	fields["input"] = event.InputSnippet
	s.log.Warn("", event.RequestID, "SQL injection attempt detected", fields)
}

// Close closes the underlying file.
func (s *LogSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// attachRequest copies request context into event.
func attachRequest(event *sqli.DetectionEvent, r *http.Request) {
	event.RequestID = r.Header.Get("X-Request-ID")
	event.ClientIP = clientIP(r)
	event.Method = r.Method
	event.URL = r.URL.RequestURI()
	event.UserAgent = r.UserAgent()
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the
// connection address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
