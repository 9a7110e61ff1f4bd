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
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sqlshield/shield/sqli"
)

// Config is the host configuration for SQL Shield: enforcement policy,
// reporting sinks and the optional backing services.
type Config struct {
	// Mode is the enforcement mode: block, warn or silent.
	Mode string `json:"mode" yaml:"mode"`

	Port string `json:"port" yaml:"port"`

	// Sources lists the request parts to scan. Empty means all.
	Sources       []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	IgnoreHeaders []string `json:"ignore_headers,omitempty" yaml:"ignore_headers,omitempty"`

	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	BlockThreshold      *float64 `json:"block_threshold,omitempty" yaml:"block_threshold,omitempty"`
	MaxDepth            int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`

	// MaxBodyBytes bounds how much of a request body is read for scanning.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// LogToFile enables the JSON-lines detection log at LogFile.
	LogToFile bool   `json:"log_to_file" yaml:"log_to_file"`
	LogFile   string `json:"log_file" yaml:"log_file"`

	AlertWebhook     string `json:"alert_webhook,omitempty" yaml:"alert_webhook,omitempty"`
	TelegramBotToken string `json:"telegram_bot_token,omitempty" yaml:"telegram_bot_token,omitempty"`
	TelegramChatID   string `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id,omitempty"`

	// AlertsPerMinute caps alerts per client IP. Zero disables throttling.
	AlertsPerMinute int `json:"alerts_per_minute" yaml:"alerts_per_minute"`

	// RulesURI names a catalog object: s3://bucket/key, gs://bucket/object
	// or azblob://account/container/blob. It wins over RulesFile.
	RulesFile string `json:"rules_file,omitempty" yaml:"rules_file,omitempty"`
	RulesURI  string `json:"rules_uri,omitempty" yaml:"rules_uri,omitempty"`
	ModelDir  string `json:"model_dir,omitempty" yaml:"model_dir,omitempty"`

	ScorerTimeoutMS  int `json:"scorer_timeout_ms" yaml:"scorer_timeout_ms"`
	VerdictCacheSize int `json:"verdict_cache_size" yaml:"verdict_cache_size"`

	DatabaseURL       string `json:"-" yaml:"database_url,omitempty"`
	AuditFallbackPath string `json:"audit_fallback_path" yaml:"audit_fallback_path"`
	AuditWorkers      int    `json:"audit_workers" yaml:"audit_workers"`
	AuditQueueSize    int    `json:"audit_queue_size" yaml:"audit_queue_size"`

	RedisURL  string `json:"-" yaml:"redis_url,omitempty"`
	JWTSecret string `json:"-" yaml:"jwt_secret,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:              string(sqli.DefaultMode),
		Port:              "8080",
		MaxBodyBytes:      1048576, // 1MB
		LogFile:           "logs/shield.log",
		AlertsPerMinute:   30,
		ScorerTimeoutMS:   int(sqli.DefaultScorerTimeout / time.Millisecond),
		VerdictCacheSize:  4096,
		AuditFallbackPath: "logs/sqli_detections.jsonl",
		AuditWorkers:      2,
		AuditQueueSize:    1000,
	}
}

// Environment variables read by ApplyEnv.
const (
	EnvMode              = "SQLSHIELD_MODE"
	EnvPort              = "SQLSHIELD_PORT"
	EnvSources           = "SQLSHIELD_SOURCES"
	EnvIgnoreHeaders     = "SQLSHIELD_IGNORE_HEADERS"
	EnvConfidence        = "SQLSHIELD_CONFIDENCE_THRESHOLD"
	EnvBlockThreshold    = "SQLSHIELD_BLOCK_THRESHOLD"
	EnvLogToFile         = "SQLSHIELD_LOG_TO_FILE"
	EnvLogFile           = "SQLSHIELD_LOG_FILE"
	EnvAlertWebhook      = "SQLSHIELD_ALERT_WEBHOOK"
	EnvTelegramBotToken  = "SQLSHIELD_TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID    = "SQLSHIELD_TELEGRAM_CHAT_ID"
	EnvAlertsPerMinute   = "SQLSHIELD_ALERTS_PER_MINUTE"
	EnvRulesFile         = "SQLSHIELD_RULES_FILE"
	EnvRulesURI          = "SQLSHIELD_RULES_URI"
	EnvRulesS3URI        = "SQLSHIELD_RULES_S3_URI"
	EnvModelDir          = "SQLSHIELD_MODEL_DIR"
	EnvScorerTimeoutMS   = "SQLSHIELD_SCORER_TIMEOUT_MS"
	EnvAuditFallbackPath = "SQLSHIELD_AUDIT_FALLBACK_PATH"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvRedisURL          = "REDIS_URL"
	EnvJWTSecret         = "JWT_SECRET"
)

// LoadConfig reads an optional YAML file, applies the environment and then
// resolves secretsmanager:// references. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.ResolveSecrets(context.Background()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigFromEnv returns the defaults overridden by the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from environment variables. Invalid values are
// logged and ignored.
func (c *Config) ApplyEnv() {
	if mode := os.Getenv(EnvMode); mode != "" {
		if sqli.Mode(strings.ToLower(mode)).IsValid() {
			c.Mode = strings.ToLower(mode)
		} else {
			log.Printf("[Shield] WARNING: Invalid %s=%q, keeping %q. Valid values: block, warn, silent",
				EnvMode, mode, c.Mode)
		}
	}

	setString(&c.Port, EnvPort)
	setString(&c.LogFile, EnvLogFile)
	setString(&c.AlertWebhook, EnvAlertWebhook)
	setString(&c.TelegramBotToken, EnvTelegramBotToken)
	setString(&c.TelegramChatID, EnvTelegramChatID)
	setString(&c.RulesFile, EnvRulesFile)
	setString(&c.RulesURI, EnvRulesS3URI)
	setString(&c.RulesURI, EnvRulesURI)
	setString(&c.ModelDir, EnvModelDir)
	setString(&c.AuditFallbackPath, EnvAuditFallbackPath)
	setString(&c.DatabaseURL, EnvDatabaseURL)
	setString(&c.RedisURL, EnvRedisURL)
	setString(&c.JWTSecret, EnvJWTSecret)

	if v := os.Getenv(EnvSources); v != "" {
		c.Sources = splitList(v)
	}
	if v := os.Getenv(EnvIgnoreHeaders); v != "" {
		c.IgnoreHeaders = splitList(v)
	}

	if v := os.Getenv(EnvLogToFile); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("[Shield] WARNING: Invalid %s=%q, expected true or false", EnvLogToFile, v)
		} else {
			c.LogToFile = b
		}
	}

	setFloat(&c.ConfidenceThreshold, EnvConfidence)
	setFloat(&c.BlockThreshold, EnvBlockThreshold)
	setInt(&c.AlertsPerMinute, EnvAlertsPerMinute)
	setInt(&c.ScorerTimeoutMS, EnvScorerTimeoutMS)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Shield] WARNING: Invalid %s=%q, expected an integer", key, v)
		return
	}
	*dst = n
}

func setFloat(dst **float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[Shield] WARNING: Invalid %s=%q, expected a number", key, v)
		return
	}
	*dst = &f
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once. The detection core
// tolerates bad values; Validate exists so operators see them.
func (c *Config) Validate() error {
	var errs []string

	if !sqli.Mode(c.Mode).IsValid() {
		errs = append(errs, fmt.Sprintf("invalid mode: %q", c.Mode))
	}
	for _, s := range c.Sources {
		if !sqli.Source(strings.ToLower(s)).IsValid() {
			errs = append(errs, fmt.Sprintf("invalid source: %q", s))
		}
	}
	if t := c.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, "confidence_threshold must be within [0,1]")
	}
	if t := c.BlockThreshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, "block_threshold must be within [0,1]")
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, "max_body_bytes must be positive")
	}
	if c.LogToFile && c.LogFile == "" {
		errs = append(errs, "log_file is required when log_to_file is set")
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, "telegram_bot_token and telegram_chat_id must be set together")
	}
	if c.RulesURI != "" {
		if _, err := parseRulesURI(c.RulesURI); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.AlertsPerMinute < 0 {
		errs = append(errs, "alerts_per_minute must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AlertsEnabled reports whether any alert channel is configured.
func (c *Config) AlertsEnabled() bool {
	return c.AlertWebhook != "" || (c.TelegramBotToken != "" && c.TelegramChatID != "")
}

// ReportingEnabled reports whether any detection sink beyond the console is
// configured. In silent mode this decides whether requests are scanned at all.
func (c *Config) ReportingEnabled() bool {
	return c.LogToFile || c.DatabaseURL != "" || c.AlertsEnabled()
}

// ScanOptions converts the host configuration into detection options.
func (c *Config) ScanOptions() sqli.ScanOptions {
	return sqli.ScanOptions{
		Sources:             c.Sources,
		IgnoreHeaders:       c.IgnoreHeaders,
		ConfidenceThreshold: c.ConfidenceThreshold,
		BlockThreshold:      c.BlockThreshold,
		Mode:                c.Mode,
		MaxDepth:            c.MaxDepth,
		ReportingEnabled:    c.ReportingEnabled(),
	}
}

// ScorerTimeout returns the model inference budget.
func (c *Config) ScorerTimeout() time.Duration {
	return time.Duration(c.ScorerTimeoutMS) * time.Millisecond
}
