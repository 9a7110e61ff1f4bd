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
Package shield hosts the sqli detection pipeline behind HTTP.

It provides the screening middleware, the scan API server and the reporting
sinks a detection fans out to.

# Middleware

Middleware.Handler extracts the query string, JSON or form body, gorilla/mux
route variables, cookies and headers of each request and evaluates them with
a sqli.Detector. Blocked requests get a 403 JSON response; the body is
restored for the next handler. In silent mode with no reporting sink the
request is passed through unscanned.

# Reporting

A Reporter logs every detection and forwards it to its sinks:
  - LogSink: JSON lines in the detection log file
  - AuditQueue: asynchronous inserts into the Postgres sqli_detections
    table, with a JSON-lines fallback file
  - Alerter: webhook and Telegram alerts, throttled per client IP by an
    AlertLimiter backed by Redis or memory

# Configuration

Config is read from an optional YAML file and overridden by SQLSHIELD_*
environment variables, DATABASE_URL, REDIS_URL and JWT_SECRET. Credential
settings may be secretsmanager://<secret-id>[#field] references, resolved
through AWS Secrets Manager. The rule catalog comes from rules_uri (s3://,
gs:// or azblob://account/container/blob), rules_file, or the built-in
rules. Build assembles a Server from a Config; unreachable backing services
degrade to their local fallbacks.

# Endpoints

	GET  /health           service status
	GET  /metrics          detector counters (JSON)
	GET  /prometheus       Prometheus exposition
	POST /api/v1/scan      evaluate a payload
	POST /api/v1/inspect   evaluate a single string
	GET  /api/v1/rules     active rule catalog
	/demo/...              routes behind the middleware

The /api/v1 routes require an HS256 bearer token when JWT_SECRET is set.
*/
package shield
