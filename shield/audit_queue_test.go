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
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

func testLogger() *logger.Logger {
	return logger.NewWithWriter("shield", io.Discard)
}

func testEvent() *sqli.DetectionEvent {
	rule, _ := sqli.DefaultRules().Lookup("SQLI-003")
	ev := sqli.Evaluation{
		Action:       sqli.ActionBlock,
		ShouldReport: true,
		Report: &sqli.ScanResult{
			Verdict:      sqli.RuleVerdict(rule),
			MatchedValue: "1 OR 1=1",
			FieldPath:    "query.id",
			Source:       sqli.SourceQuery,
		},
		Duration: time.Millisecond,
	}
	e := sqli.NewDetectionEvent(ev, sqli.ModeBlock)
	e.EventID = "evt-1"
	e.ClientIP = "203.0.113.7"
	e.Method = "GET"
	e.URL = "/demo/test?id=1%20OR%201=1"
	return e
}

func fastRetries(t *testing.T) {
	t.Helper()
	prev := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = prev })
}

func readFallback(t *testing.T, path string) []sqli.DetectionEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []sqli.DetectionEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e sqli.DetectionEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func shutdown(t *testing.T, aq *AuditQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, aq.Shutdown(ctx))
}

func TestNewAuditQueue(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	tests := []struct {
		name         string
		fallbackPath string
		wantErr      string
	}{
		{
			name:         "creates nested fallback directory",
			fallbackPath: filepath.Join(dir, "logs", "audit", "sqli_detections.jsonl"),
		},
		{
			name:         "fallback parent is a file",
			fallbackPath: filepath.Join(blocker, "sqli_detections.jsonl"),
			wantErr:      "failed to create fallback directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aq, err := NewAuditQueue(10, 2, nil, tt.fallbackPath, testLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, aq.workers)
			shutdown(t, aq)
			assert.FileExists(t, tt.fallbackPath)
		})
	}
}

func TestAuditQueueWritesToDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sqli_detections").
		WithArgs("evt-1", sqlmock.AnyArg(), "high", "boolean_blind", "block", "block", "query",
			"query.id", "SQLI-003", nil, "1 OR 1=1", "203.0.113.7", "GET",
			"/demo/test?id=1%20OR%201=1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	path := filepath.Join(t.TempDir(), "fallback.jsonl")
	aq, err := NewAuditQueue(10, 1, db, path, testLogger())
	require.NoError(t, err)

	require.NoError(t, aq.Enqueue(testEvent()))
	shutdown(t, aq)

	assert.NoError(t, mock.ExpectationsWereMet())
	stats := aq.GetStats()
	assert.Equal(t, uint64(1), stats["processed"])
	assert.Equal(t, uint64(0), stats["fallback"])
	assert.Empty(t, readFallback(t, path))
}

func TestAuditQueueFallsBackWhenDatabaseFails(t *testing.T) {
	fastRetries(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO sqli_detections").WillReturnError(errors.New("connection refused"))
	}

	path := filepath.Join(t.TempDir(), "fallback.jsonl")
	aq, err := NewAuditQueue(10, 1, db, path, testLogger())
	require.NoError(t, err)

	aq.Report(context.Background(), testEvent())
	shutdown(t, aq)

	assert.NoError(t, mock.ExpectationsWereMet())
	stats := aq.GetStats()
	assert.Equal(t, uint64(1), stats["failed"])
	assert.Equal(t, uint64(1), stats["fallback"])

	events := readFallback(t, path)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].EventID)
	assert.Equal(t, "SQLI-003", events[0].Verdict.MatchedRuleID)
}

func TestAuditQueueWithoutDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.jsonl")
	aq, err := NewAuditQueue(10, 2, nil, path, testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, aq.Enqueue(testEvent()))
	}
	require.NoError(t, aq.Enqueue(nil))
	shutdown(t, aq)

	assert.Len(t, readFallback(t, path), 5)
	assert.Equal(t, uint64(5), aq.GetStats()["processed"])
}

func TestAuditQueueRejectsAfterShutdown(t *testing.T) {
	aq, err := NewAuditQueue(10, 1, nil, filepath.Join(t.TempDir(), "f.jsonl"), testLogger())
	require.NoError(t, err)
	shutdown(t, aq)

	assert.ErrorIs(t, aq.Enqueue(testEvent()), ErrQueueClosed)
	// A second shutdown must not panic on the closed channel.
	_ = aq.Shutdown(context.Background())
}

func TestExecWithRetry(t *testing.T) {
	fastRetries(t)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "succeeds first time",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT").WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "succeeds after transient failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT").WillReturnError(errors.New("deadlock detected"))
				mock.ExpectExec("INSERT").WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "gives up after three attempts",
			setupMock: func(mock sqlmock.Sqlmock) {
				for i := 0; i < 3; i++ {
					mock.ExpectExec("INSERT").WillReturnError(errors.New("connection reset"))
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.setupMock(mock)

			err = execWithRetry(context.Background(), db, testLogger(), "INSERT INTO t VALUES ($1)", 1)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sqli_detections").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, EnsureSchema(context.Background(), db))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	err = EnsureSchema(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create sqli_detections table")
}
