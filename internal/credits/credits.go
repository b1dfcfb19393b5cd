// Package credits is the HTTP client for the external credit system.
// Every call fails open: a credit backend outage must never silence a
// bot, so transport and server errors report the activation as allowed.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/cordial/internal/retry"
)

// ReasonBotNotConfigured is the refusal reason that asks the scheduler
// to surface a configuration-needed reaction instead of staying silent.
const ReasonBotNotConfigured = "bot_not_configured"

// CheckRequest identifies the triggering event for a charge decision.
type CheckRequest struct {
	UserID      string   `json:"userId"`
	ServerID    string   `json:"serverId"`
	ChannelID   string   `json:"channelId"`
	BotID       string   `json:"botId"`
	MessageID   string   `json:"messageId"`
	TriggerType string   `json:"triggerType"`
	UserRoles   []string `json:"userRoles,omitempty"`
}

// CheckResult is the credit system's decision.
type CheckResult struct {
	Allowed        bool    `json:"allowed"`
	TransactionID  string  `json:"transactionId,omitempty"`
	Cost           float64 `json:"cost,omitempty"`
	BalanceAfter   float64 `json:"balanceAfter,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	CurrentBalance float64 `json:"currentBalance,omitempty"`
	TimeToAfford   string  `json:"timeToAfford,omitempty"`
}

// TrackRequest records a delivered bot message for usage accounting.
type TrackRequest struct {
	MessageID        string `json:"messageId"`
	ChannelID        string `json:"channelId"`
	ServerID         string `json:"serverId"`
	BotID            string `json:"botId"`
	TriggerUserID    string `json:"triggerUserId"`
	TriggerMessageID string `json:"triggerMessageId"`
}

// Client talks to the credit service. A nil Client is valid and means
// credits are disabled; all methods then allow everything.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
	retry    retry.Config
}

// New returns a client, or nil when endpoint is empty.
func New(endpoint, apiKey string, logger *slog.Logger) *Client {
	if endpoint == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
	}
}

// CheckAndDeduct asks whether the activation may proceed and charges
// for it. Errors fail open with a logged warning.
func (c *Client) CheckAndDeduct(ctx context.Context, req CheckRequest) CheckResult {
	if c == nil {
		return CheckResult{Allowed: true}
	}
	var result CheckResult
	err := retry.Do(ctx, c.retry, func() error {
		return c.post(ctx, "/v1/credits/check", req, &result)
	})
	if err != nil {
		c.logger.Warn("credit check failed, allowing activation", "error", err, "bot_id", req.BotID)
		return CheckResult{Allowed: true}
	}
	return result
}

// Refund returns a charge after a failed activation.
func (c *Client) Refund(ctx context.Context, transactionID, reason string) error {
	if c == nil || transactionID == "" {
		return nil
	}
	body := map[string]string{"transactionId": transactionID, "reason": reason}
	err := retry.Do(ctx, c.retry, func() error {
		return c.post(ctx, "/v1/credits/refund", body, nil)
	})
	if err != nil {
		c.logger.Error("credit refund failed", "transaction_id", transactionID, "error", err)
	}
	return err
}

// TrackMessage reports a delivered bot message. Best effort.
func (c *Client) TrackMessage(ctx context.Context, req TrackRequest) {
	if c == nil {
		return
	}
	if err := c.post(ctx, "/v1/credits/track", req, nil); err != nil {
		c.logger.Warn("message tracking failed", "message_id", req.MessageID, "error", err)
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("credit service: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("credit service: status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode credit response: %w", err))
	}
	return nil
}
