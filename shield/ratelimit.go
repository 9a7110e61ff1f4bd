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
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"sqlshield/shared/logger"
)

// ConnectRedis parses a redis:// URL and verifies the connection.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// AlertLimiter caps alerts per key (the client IP) within a sliding
// one-minute window. With a Redis client the window is shared across
// instances; without one it is kept in memory. Redis errors fail open.
type AlertLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	log    *logger.Logger

	mu        sync.Mutex
	memory    map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

// NewAlertLimiter creates a limiter allowing limit alerts per minute.
// client may be nil. A limit of zero or less disables throttling.
func NewAlertLimiter(client *redis.Client, limit int, log *logger.Logger) *AlertLimiter {
	return &AlertLimiter{
		client: client,
		limit:  limit,
		window: time.Minute,
		log:    log,
		memory: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an alert for key and reports whether it is within the limit.
func (l *AlertLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if l.client == nil {
		return l.allowMemory(key)
	}

	now := l.now()
	redisKey := fmt.Sprintf("sqlshield:alerts:%s", key)

	pipe := l.client.Pipeline()

	// Drop entries older than the window
	minScore := now.Add(-l.window).UnixNano()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", minScore))

	pipe.ZCard(ctx, redisKey)

	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})

	pipe.Expire(ctx, redisKey, 2*l.window)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		l.log.Warn("", "", "Redis alert limit check failed, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return true
	}

	// ZCARD ran before this alert was added
	count := cmds[1].(*redis.IntCmd).Val()
	return count < int64(l.limit)
}

func (l *AlertLimiter) allowMemory(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	kept := l.memory[key][:0]
	for _, ts := range l.memory[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.memory, key)
	}
	if len(kept) >= l.limit {
		l.memory[key] = kept
		return false
	}
	l.memory[key] = append(kept, now)
	return true
}

// sweep drops keys whose newest alert is outside the window. Callers hold mu.
func (l *AlertLimiter) sweep(cutoff time.Time) {
	for key, stamps := range l.memory {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.memory, key)
		}
	}
}
