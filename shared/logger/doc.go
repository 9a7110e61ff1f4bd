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

/*
Package logger provides structured JSON logging for SQL Shield components.

Each entry is a single JSON line carrying a timestamp (RFC3339Nano), level,
component (sqli, shield, cli), instance and container identifiers, the
client and request ids, a message and free-form fields.

# Usage

	log := logger.New("shield")

	log.Warn("", requestID, "SQL injection attempt detected", map[string]interface{}{
	    "rule_id":    "SQLI-003",
	    "field_path": "query.id",
	})

New writes through the standard log package. NewWithWriter writes bare JSON
lines to any io.Writer; the detection log file sink uses it:

	f, _ := os.OpenFile("logs/shield.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	fileLog := logger.NewWithWriter("shield", f)

A nil *Logger discards everything, so optional loggers need no guards.

# Environment Variables

  - INSTANCE_ID: deployment instance identifier (default "unknown")

Logger instances are safe for concurrent use.
*/
package logger
