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

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func decodeEntries(t *testing.T, output string) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		start := strings.Index(line, "{")
		if start == -1 {
			t.Fatalf("no JSON in log line: %q", line)
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line[start:]), &entry); err != nil {
			t.Fatalf("failed to parse log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNew(t *testing.T) {
	t.Setenv("INSTANCE_ID", "shield-1")

	l := New("sqli")
	if l.Component != "sqli" {
		t.Errorf("Component = %q, want sqli", l.Component)
	}
	if l.InstanceID != "shield-1" {
		t.Errorf("InstanceID = %q, want shield-1", l.InstanceID)
	}
	if l.Container == "" {
		t.Error("Container should be set from hostname")
	}
}

func TestNewWithoutInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")

	if got := New("shield").InstanceID; got != "unknown" {
		t.Errorf("InstanceID = %q, want unknown", got)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   LogLevel
	}{
		{"info", (*Logger).Info, INFO},
		{"warn", (*Logger).Warn, WARN},
		{"error", (*Logger).Error, ERROR},
		{"debug", (*Logger).Debug, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("shield", &buf)

			tt.logFunc(l, "client-1", "req-1", "SQL injection attempt detected", map[string]interface{}{
				"rule_id": "SQLI-003",
			})

			entries := decodeEntries(t, buf.String())
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			e := entries[0]
			if e.Level != tt.level {
				t.Errorf("Level = %s, want %s", e.Level, tt.level)
			}
			if e.Component != "shield" || e.ClientID != "client-1" || e.RequestID != "req-1" {
				t.Errorf("unexpected context: %+v", e)
			}
			if e.Fields["rule_id"] != "SQLI-003" {
				t.Errorf("rule_id field = %v", e.Fields["rule_id"])
			}
			if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
				t.Errorf("invalid timestamp %q", e.Timestamp)
			}
		})
	}
}

func TestNewWithWriterBypassesStandardLogger(t *testing.T) {
	var std bytes.Buffer
	log.SetOutput(&std)
	defer log.SetOutput(os.Stderr)

	var file bytes.Buffer
	l := NewWithWriter("shield", &file)
	l.Warn("", "", "detection", nil)

	if std.Len() != 0 {
		t.Errorf("standard logger received output: %q", std.String())
	}
	// One bare JSON object per line, no log prefix.
	if !strings.HasPrefix(file.String(), "{") || !strings.HasSuffix(file.String(), "}\n") {
		t.Errorf("unexpected file output: %q", file.String())
	}
}

func TestStandardLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	New("sqli").Info("", "", "Loaded SQL injection detection rules", map[string]interface{}{"rules": 10})

	entries := decodeEntries(t, buf.String())
	if len(entries) != 1 || entries[0].Message != "Loaded SQL injection detection rules" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Fields["rules"] != float64(10) {
		t.Errorf("rules = %v", entries[0].Fields["rules"])
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	// Must not panic.
	l.Info("", "", "ignored", nil)
	l.Error("", "", "ignored", map[string]interface{}{"k": "v"})
	l.InfoWithDuration("", "", "ignored", 1.5, nil)
}

func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("shield", &buf)
	l.InfoWithDuration("", "req-2", "Payload scanned", 0.25, map[string]interface{}{"action": "allow"})

	e := decodeEntries(t, buf.String())[0]
	if e.Fields["duration_ms"] != 0.25 {
		t.Errorf("duration_ms = %v", e.Fields["duration_ms"])
	}
	if e.Fields["action"] != "allow" {
		t.Errorf("action = %v", e.Fields["action"])
	}
	if e.Level != INFO {
		t.Errorf("Level = %s", e.Level)
	}
}

func TestErrorWithCode(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr string
	}{
		{"with error", &testError{msg: "audit database unreachable"}, "audit database unreachable"},
		{"without error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("shield", &buf)
			l.ErrorWithCode("", "req-3", "Request failed", 403, tt.err, nil)

			e := decodeEntries(t, buf.String())[0]
			if e.Fields["status_code"] != float64(403) {
				t.Errorf("status_code = %v", e.Fields["status_code"])
			}
			got, _ := e.Fields["error"].(string)
			if got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestJSONMarshalError(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	New("shield").Info("", "", "unmarshalable", map[string]interface{}{
		"channel": make(chan int),
	})

	if !strings.Contains(buf.String(), "Failed to marshal log entry") {
		t.Error("expected marshal failure to be reported")
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

func BenchmarkLog(b *testing.B) {
	var buf bytes.Buffer
	l := NewWithWriter("sqli", &buf)
	fields := map[string]interface{}{"source": "query", "field_path": "query.id"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		l.Warn("client-1", "req-1", "SQL injection attempt detected", fields)
	}
}
