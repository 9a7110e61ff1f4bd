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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

// detectionsSchema creates the audit table used by AuditQueue.
const detectionsSchema = `
CREATE TABLE IF NOT EXISTS sqli_detections (
	id            BIGSERIAL PRIMARY KEY,
	event_id      TEXT NOT NULL UNIQUE,
	detected_at   TIMESTAMPTZ NOT NULL,
	severity      TEXT NOT NULL,
	category      TEXT,
	mode          TEXT NOT NULL,
	action        TEXT NOT NULL,
	source        TEXT NOT NULL,
	field_path    TEXT NOT NULL,
	rule_id       TEXT,
	confidence    DOUBLE PRECISION,
	input_snippet TEXT,
	client_ip     TEXT,
	method        TEXT,
	url           TEXT,
	user_agent    TEXT,
	details       JSONB
)`

const insertDetectionQuery = `
	INSERT INTO sqli_detections (event_id, detected_at, severity, category, mode, action, source,
		field_path, rule_id, confidence, input_snippet, client_ip, method, url, user_agent, details)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (event_id) DO NOTHING
`

// OpenDatabase connects to PostgreSQL and verifies the connection.
func OpenDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the detections table when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, detectionsSchema); err != nil {
		return fmt.Errorf("failed to create sqli_detections table: %w", err)
	}
	return nil
}

// retryBaseDelay is the first backoff step of execWithRetry.
var retryBaseDelay = 100 * time.Millisecond

// execWithRetry executes a write with exponential backoff (100ms, 200ms).
func execWithRetry(ctx context.Context, db *sql.DB, log *logger.Logger, query string, args ...interface{}) error {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < maxRetries-1 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt))
			log.Warn("", "", "Database write failed, retrying", map[string]interface{}{
				"attempt": attempt + 1,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// ErrQueueClosed is returned for events offered after Shutdown.
var ErrQueueClosed = errors.New("audit queue is closed")

// AuditQueue persists detection events asynchronously. Events go to
// PostgreSQL when a database is configured; events that cannot be written
// (no database, retries exhausted, queue full) are appended to a JSON-lines
// fallback file so none are lost.
type AuditQueue struct {
	queue        chan *sqli.DetectionEvent
	workers      int
	wg           sync.WaitGroup
	db           *sql.DB
	fallbackFile *os.File
	mu           sync.Mutex
	log          *logger.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	queued    atomic.Uint64
	fallback  atomic.Uint64
}

// NewAuditQueue starts workers that drain the queue. db may be nil.
func NewAuditQueue(queueSize, workers int, db *sql.DB, fallbackPath string, log *logger.Logger) (*AuditQueue, error) {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 1
	}

	if dir := filepath.Dir(fallbackPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create fallback directory: %w", err)
		}
	}
	fallbackFile, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback file: %w", err)
	}

	aq := &AuditQueue{
		queue:        make(chan *sqli.DetectionEvent, queueSize),
		workers:      workers,
		db:           db,
		fallbackFile: fallbackFile,
		log:          log,
	}

	for i := 0; i < workers; i++ {
		aq.wg.Add(1)
		go aq.worker(i)
	}

	log.Info("", "", "Audit queue started", map[string]interface{}{
		"workers":  workers,
		"database": db != nil,
		"fallback": fallbackPath,
	})
	return aq, nil
}

// Report implements Sink.
func (aq *AuditQueue) Report(_ context.Context, event *sqli.DetectionEvent) {
	if err := aq.Enqueue(event); err != nil {
		aq.log.Error("", event.RequestID, "Failed to queue detection event", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Enqueue offers an event without blocking. A full queue writes the event to
// the fallback file immediately.
func (aq *AuditQueue) Enqueue(event *sqli.DetectionEvent) error {
	if event == nil {
		return nil
	}
	if aq.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case aq.queue <- event:
		aq.queued.Add(1)
		return nil
	default:
		return aq.writeToFallback(event)
	}
}

func (aq *AuditQueue) worker(id int) {
	defer aq.wg.Done()

	for event := range aq.queue {
		if aq.db == nil {
			if err := aq.writeToFallback(event); err != nil {
				aq.failed.Add(1)
				aq.log.Error("", event.RequestID, "Failed to write detection to fallback", map[string]interface{}{
					"worker": id,
					"error":  err.Error(),
				})
				continue
			}
			aq.processed.Add(1)
			continue
		}

		if err := aq.writeToDB(event); err != nil {
			aq.failed.Add(1)
			if fallbackErr := aq.writeToFallback(event); fallbackErr != nil {
				aq.log.Error("", event.RequestID, "Failed to write detection to fallback", map[string]interface{}{
					"worker": id,
					"error":  fallbackErr.Error(),
				})
			}
			continue
		}
		aq.processed.Add(1)
	}
}

func (aq *AuditQueue) writeToDB(event *sqli.DetectionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	details, err := json.Marshal(event.ToDetails())
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	var ruleID, confidence interface{}
	if event.Verdict.MatchedRuleID != "" {
		ruleID = event.Verdict.MatchedRuleID
	}
	if event.Verdict.Confidence != nil {
		confidence = *event.Verdict.Confidence
	}

	return execWithRetry(ctx, aq.db, aq.log, insertDetectionQuery,
		event.EventID,
		event.Timestamp,
		string(event.Severity),
		string(event.Category),
		string(event.Mode),
		string(event.Action),
		string(event.Source),
		event.FieldPath,
		ruleID,
		confidence,
		event.InputSnippet,
		event.ClientIP,
		event.Method,
		event.URL,
		event.UserAgent,
		details,
	)
}

func (aq *AuditQueue) writeToFallback(event *sqli.DetectionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	aq.mu.Lock()
	defer aq.mu.Unlock()

	if _, err := fmt.Fprintf(aq.fallbackFile, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write to fallback: %w", err)
	}
	aq.fallback.Add(1)
	return aq.fallbackFile.Sync()
}

// Shutdown stops accepting events and waits for the workers. When ctx ends
// first, the events still queued are written to the fallback file.
func (aq *AuditQueue) Shutdown(ctx context.Context) error {
	aq.closeOnce.Do(func() {
		aq.closed.Store(true)
		close(aq.queue)
	})

	done := make(chan struct{})
	go func() {
		aq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		aq.log.Info("", "", "Audit queue shutdown complete", map[string]interface{}{
			"processed": aq.processed.Load(),
			"failed":    aq.failed.Load(),
		})
		return aq.fallbackFile.Close()
	case <-ctx.Done():
		saved := 0
		for event := range aq.queue {
			if err := aq.writeToFallback(event); err == nil {
				saved++
			}
		}
		aq.log.Warn("", "", "Audit queue shutdown timed out, pending events saved to fallback", map[string]interface{}{
			"saved": saved,
		})
		return ctx.Err()
	}
}

// GetStats returns queue statistics.
func (aq *AuditQueue) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"queued":    aq.queued.Load(),
		"processed": aq.processed.Load(),
		"failed":    aq.failed.Load(),
		"fallback":  aq.fallback.Load(),
		"pending":   len(aq.queue),
	}
}
