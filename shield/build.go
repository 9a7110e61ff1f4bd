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
	"io"

	"github.com/go-redis/redis/v8"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

// BuildDetector loads the configured rule catalog and scorer. Rule and model
// failures degrade to the built-in catalog and the heuristic; the returned
// closer releases the model.
func BuildDetector(ctx context.Context, cfg Config, log *logger.Logger, opts ...sqli.DetectorOption) (*sqli.Detector, func(context.Context) error) {
	src, err := RuleSourceFromConfig(ctx, &cfg)
	if err != nil {
		log.Error("", "", "Rule source unavailable, using built-in catalog", map[string]interface{}{
			"error": err.Error(),
		})
		src = nil
	}
	rules := sqli.LoadRules(ctx, src, logger.New("sqli"))
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}

	closer := func(context.Context) error { return nil }
	var scorer sqli.Scorer
	if cfg.ModelDir != "" {
		model, err := sqli.LoadModelScorer(sqli.ModelConfig{Dir: cfg.ModelDir})
		if err != nil {
			log.Warn("", "", "Model scorer unavailable, using heuristic", map[string]interface{}{
				"model_dir": cfg.ModelDir,
				"error":     err.Error(),
			})
		} else {
			scorer = sqli.NewFallbackScorer(model,
				sqli.WithScorerTimeout(cfg.ScorerTimeout()),
				sqli.WithFallbackLogger(log))
			closer = func(context.Context) error { return model.Close() }
			log.Info("", "", "Model scorer loaded", map[string]interface{}{
				"model_dir":  cfg.ModelDir,
				"timeout_ms": cfg.ScorerTimeoutMS,
			})
		}
	}

	detectorOpts := []sqli.DetectorOption{
		sqli.WithRuleSet(rules),
		sqli.WithScorer(scorer),
		sqli.WithLogger(log),
	}
	if cfg.VerdictCacheSize > 0 {
		detectorOpts = append(detectorOpts, sqli.WithScannerOptions(sqli.WithVerdictCache(cfg.VerdictCacheSize)))
	}
	detectorOpts = append(detectorOpts, opts...)

	return sqli.NewDetector(detectorOpts...), closer
}

// Build assembles a Server from cfg: detector, detection log, audit store
// and alerts. Unreachable backing services are logged and replaced by their
// local fallbacks.
func Build(ctx context.Context, cfg Config, log *logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	detector, closeModel := BuildDetector(ctx, cfg, log)
	deps := Dependencies{Detector: detector}
	deps.Closers = append(deps.Closers, closeModel)

	if cfg.LogToFile {
		fileSink, err := NewFileSink(cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open detection log: %w", err)
		}
		deps.Sinks = append(deps.Sinks, fileSink)
		deps.Closers = append(deps.Closers, func(context.Context) error { return fileSink.Close() })
	}

	if cfg.DatabaseURL != "" {
		db, err := OpenDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("", "", "Audit database unavailable, detections go to the fallback file", map[string]interface{}{
				"error": err.Error(),
			})
		} else if err := EnsureSchema(ctx, db); err != nil {
			log.Error("", "", "Audit schema setup failed, detections go to the fallback file", map[string]interface{}{
				"error": err.Error(),
			})
			_ = db.Close()
			db = nil
		}

		queue, err := NewAuditQueue(cfg.AuditQueueSize, cfg.AuditWorkers, db, cfg.AuditFallbackPath, log)
		if err != nil {
			return nil, err
		}
		deps.Sinks = append(deps.Sinks, queue)
		deps.Closers = append(deps.Closers, func(ctx context.Context) error {
			err := queue.Shutdown(ctx)
			if db != nil {
				_ = db.Close()
			}
			return err
		})
	}

	if cfg.AlertsEnabled() {
		var limiter *AlertLimiter
		if cfg.AlertsPerMinute > 0 {
			var client *redis.Client
			if cfg.RedisURL != "" {
				c, err := ConnectRedis(ctx, cfg.RedisURL)
				if err != nil {
					log.Warn("", "", "Redis unavailable, alert limit is per instance", map[string]interface{}{
						"error": err.Error(),
					})
				} else {
					client = c
					deps.Closers = append(deps.Closers, func(context.Context) error { return c.Close() })
				}
			}
			limiter = NewAlertLimiter(client, cfg.AlertsPerMinute, log)
		}

		alerter := NewAlerter(AlertConfig{
			WebhookURL:       cfg.AlertWebhook,
			TelegramBotToken: cfg.TelegramBotToken,
			TelegramChatID:   cfg.TelegramChatID,
		}, limiter, log)
		deps.Sinks = append(deps.Sinks, alerter)
		deps.Closers = append(deps.Closers, alerter.Close)
	}

	return NewServer(cfg, deps, log), nil
}
