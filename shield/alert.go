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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

// DefaultTelegramBaseURL is the Telegram Bot API root.
const DefaultTelegramBaseURL = "https://api.telegram.org"

// alertTimeout bounds one alert delivery.
const alertTimeout = 10 * time.Second

// AlertData is the summary sent to alert channels.
type AlertData struct {
	URL       string `json:"url"`
	IP        string `json:"ip"`
	Method    string `json:"method"`
	Timestamp string `json:"timestamp"`
	Input     string `json:"input"`
	Source    string `json:"source,omitempty"`
	FieldPath string `json:"field_path,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// webhookPayload is the generic webhook body.
type webhookPayload struct {
	Text      string    `json:"text"`
	Timestamp string    `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Data      AlertData `json:"data"`
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// AlertConfig configures the alert channels.
type AlertConfig struct {
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
	TelegramBaseURL  string
}

// Alerter delivers detection alerts to a generic webhook and to Telegram.
// Delivery runs in the background; failures are logged and never reach the
// request path.
type Alerter struct {
	cfg     AlertConfig
	client  *http.Client
	limiter *AlertLimiter
	log     *logger.Logger

	// mu orders Report's closed check and wg.Add before Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewAlerter creates an alerter. limiter may be nil.
func NewAlerter(cfg AlertConfig, limiter *AlertLimiter, log *logger.Logger) *Alerter {
	if cfg.TelegramBaseURL == "" {
		cfg.TelegramBaseURL = DefaultTelegramBaseURL
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: alertTimeout},
		limiter: limiter,
		log:     log,
	}
}

// Enabled reports whether any channel is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != "" || (a.cfg.TelegramBotToken != "" && a.cfg.TelegramChatID != "")
}

// Report implements Sink.
func (a *Alerter) Report(ctx context.Context, event *sqli.DetectionEvent) {
	if !a.Enabled() {
		return
	}
	key := event.ClientIP
	if key == "" {
		key = "unknown"
	}
	if !a.limiter.Allow(ctx, key) {
		promAlertsSuppressed.Inc()
		a.log.Debug("", event.RequestID, "Alert suppressed by rate limit", map[string]interface{}{
			"client_ip": key,
		})
		return
	}

	data := alertDataFromEvent(event)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		// The request context ends with the response; delivery outlives it.
		sendCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		a.Send(sendCtx, data)
	}()
}

// Send delivers data to every configured channel and waits for completion.
func (a *Alerter) Send(ctx context.Context, data AlertData) {
	if a.cfg.WebhookURL != "" {
		a.record("webhook", a.sendWebhook(ctx, data))
	}
	if a.cfg.TelegramBotToken != "" && a.cfg.TelegramChatID != "" {
		a.record("telegram", a.sendTelegram(ctx, data))
	}
}

func (a *Alerter) record(channel string, err error) {
	if err != nil {
		a.failed.Add(1)
		a.log.Error("", "", "Error sending alert", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
		return
	}
	a.sent.Add(1)
}

func (a *Alerter) sendWebhook(ctx context.Context, data AlertData) error {
	pretty, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal alert data: %w", err)
	}
	return a.postJSON(ctx, a.cfg.WebhookURL, webhookPayload{
		Text:      "⚠️ SQL Injection Attempt Detected!\n\n" + string(pretty),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     "warning",
		Source:    "sql-shield",
		Data:      data,
	})
}

func (a *Alerter) sendTelegram(ctx context.Context, data AlertData) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(a.cfg.TelegramBaseURL, "/"), a.cfg.TelegramBotToken)
	return a.postJSON(ctx, url, telegramMessage{
		ChatID:                a.cfg.TelegramChatID,
		Text:                  formatTelegramMessage(data),
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
	})
}

func (a *Alerter) postJSON(ctx context.Context, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close stops accepting alerts and waits for in-flight deliveries.
func (a *Alerter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns delivery counters.
func (a *Alerter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"sent":   a.sent.Load(),
		"failed": a.failed.Load(),
	}
}

func alertDataFromEvent(event *sqli.DetectionEvent) AlertData {
	ip := event.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	return AlertData{
		URL:       event.URL,
		IP:        ip,
		Method:    event.Method,
		Timestamp: event.Timestamp.Format(time.RFC3339),
		Input:     event.InputSnippet,
		Source:    string(event.Source),
		FieldPath: event.FieldPath,
		RuleID:    event.Verdict.MatchedRuleID,
		Severity:  string(event.Severity),
	}
}

// formatTelegramMessage renders the MarkdownV2 alert body. Request-derived
// values are escaped so they cannot close their code spans.
func formatTelegramMessage(data AlertData) string {
	var b strings.Builder
	b.WriteString("🛡️ *SQL SHIELD SECURITY ALERT*\n")
	b.WriteString("\n⚠️ *SQL injection attempt detected\\!*\n\n")
	fmt.Fprintf(&b, "📌 *URL:* `%s`\n", escapeTelegramCode(data.URL))
	fmt.Fprintf(&b, "🌐 *IP address:* `%s`\n", escapeTelegramCode(data.IP))
	fmt.Fprintf(&b, "🔄 *Method:* `%s`\n", escapeTelegramCode(data.Method))
	fmt.Fprintf(&b, "🕒 *Time:* `%s`\n", escapeTelegramCode(data.Timestamp))
	if data.FieldPath != "" {
		fmt.Fprintf(&b, "🔎 *Field:* `%s`\n", escapeTelegramCode(data.FieldPath))
	}
	b.WriteString("\n⚡ *Suspicious input:*\n```\n")
	b.WriteString(escapeTelegramCode(formatInputForTelegram(data.Input)))
	b.WriteString("\n```\n")
	b.WriteString("\n📊 *Recommendations:*\n")
	b.WriteString("\\- Review and block this request\n")
	b.WriteString("\\- Update firewall rules\n")
	b.WriteString("\\- Record it in the security log")
	return b.String()
}

// telegramCodeEscaper escapes the two characters MarkdownV2 treats specially
// inside code and pre entities.
var telegramCodeEscaper = strings.NewReplacer(`\`, `\\`, "`", "\\`")

func escapeTelegramCode(s string) string {
	return telegramCodeEscaper.Replace(s)
}

// formatInputForTelegram pretty-prints JSON input and returns anything else
// unchanged.
func formatInputForTelegram(input string) string {
	var parsed interface{}
	if err := json.Unmarshal([]byte(input), &parsed); err != nil {
		return input
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return input
	}
	return string(pretty)
}
