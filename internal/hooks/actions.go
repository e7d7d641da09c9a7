package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// AccountDisabler is implemented by the account registry.
type AccountDisabler interface {
	DisableAccount(accountID, reason string) error
}

// RegisterBuiltInActions registers the default action handlers.
func RegisterBuiltInActions(m *HookManager) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	wh := NewWebhookHandler()
	m.RegisterAction(ActionNotifyWebhook, wh.Handle)
}

// RegisterDisableAccountAction wires the disable_account action to the registry.
func RegisterDisableAccountAction(m *HookManager, disabler AccountDisabler) {
	m.RegisterAction(ActionDisableAccount, func(hook *Hook, ctx *EventContext) error {
		accountID := ctx.AccountID
		if override, ok := hook.Params["account_id"].(string); ok && override != "" {
			accountID = override
		}
		if accountID == "" {
			return fmt.Errorf("event %s carries no account id", ctx.Event)
		}
		reason, _ := hook.Params["reason"].(string)
		if reason == "" {
			reason = fmt.Sprintf("disabled by hook %s on %s", hook.ID, ctx.Event)
		}
		log.WithFields(log.Fields{"account": accountID, "hook": hook.ID}).Warn("disabling upstream account")
		return disabler.DisableAccount(accountID, reason)
	})
}

func handleLogWarning(hook *Hook, ctx *EventContext) error {
	msg, _ := hook.Params["message"].(string)
	if msg == "" {
		msg = "Hook triggered"
	}
	fields := log.Fields{"event": ctx.Event}
	if ctx.AccountID != "" {
		fields["account"] = ctx.AccountID
	}
	if ctx.KeyID != "" {
		fields["key"] = ctx.KeyID
	}
	if ctx.Reason != "" {
		fields["reason"] = ctx.Reason
	}
	log.WithFields(fields).Warnf("[Hook: %s] %s", hook.Name, msg)
	return nil
}

// webhookBackoff is the delay before each retry after the first attempt.
var webhookBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// WebhookHandler posts events to HTTPS endpoints, rate limited per URL.
type WebhookHandler struct {
	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	client       *http.Client
}

type rateLimiter struct {
	count    int
	lastTime time.Time
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		rateLimiters: make(map[string]*rateLimiter),
		client:       &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *WebhookHandler) Handle(hook *Hook, ctx *EventContext) error {
	url, _ := hook.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("missing webhook url")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://localhost") && !strings.HasPrefix(url, "http://127.0.0.1") {
		return fmt.Errorf("insecure webhook url (must be https or localhost): %s", url)
	}
	if !h.checkRateLimit(url) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", url)
	}

	payload := map[string]any{
		"event":     ctx.Event,
		"timestamp": ctx.Timestamp,
		"hook_id":   hook.ID,
		"data":      ctx.Data,
	}
	for k, v := range map[string]string{
		"platform": ctx.Platform, "account_id": ctx.AccountID, "key_id": ctx.KeyID,
		"owner_id": ctx.OwnerID, "model": ctx.Model, "reason": ctx.Reason, "error": ctx.ErrorMessage,
	} {
		if v != "" {
			payload[k] = v
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	secret, _ := hook.Params["secret"].(string)

	var lastErr error
	for attempt := 0; attempt <= len(webhookBackoff); attempt++ {
		if attempt > 0 {
			time.Sleep(webhookBackoff[attempt-1])
		}
		if lastErr = h.post(url, secret, body); lastErr == nil {
			return nil
		}
		log.Warnf("Webhook attempt %d failed: %v", attempt+1, lastErr)
	}
	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (h *WebhookHandler) post(url, secret string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(context.Background(), h.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "switchAIRelay-Hooks/1.0")
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Hook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// checkRateLimit allows 10 calls per minute per URL.
func (h *WebhookHandler) checkRateLimit(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	limiter, exists := h.rateLimiters[url]
	if !exists {
		limiter = &rateLimiter{lastTime: now}
		h.rateLimiters[url] = limiter
	}
	if now.Sub(limiter.lastTime) > time.Minute {
		limiter.count = 0
		limiter.lastTime = now
	}
	if limiter.count >= 10 {
		return false
	}
	limiter.count++
	return true
}
