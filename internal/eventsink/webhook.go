package eventsink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Webhook 以 HTTP POST 推送事件，带 HMAC-SHA256 签名头。
// 签名串: METHOD\npath\ntimestamp\nnonce\nsha256(body)
type Webhook struct {
	Client   *http.Client
	Endpoint string
	APIKey   string
	Secret   string
	Retries  int
	Backoff  []time.Duration
	now      func() time.Time
}

// NewWebhook 创建推送器，默认 5s 超时、重试 2 次
func NewWebhook(endpoint, apiKey, secret string) *Webhook {
	return &Webhook{
		Client:   &http.Client{Timeout: 5 * time.Second},
		Endpoint: endpoint,
		APIKey:   apiKey,
		Secret:   secret,
		Retries:  2,
		Backoff:  []time.Duration{100 * time.Millisecond, 500 * time.Millisecond},
		now:      time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Sign HMAC-SHA256 签名（hex）
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonical 签名串
func Canonical(method, path string, ts int64, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%s", strings.ToUpper(method), path, ts, nonce, hex.EncodeToString(sum[:]))
}

// Publish 仅对网络错误与 5xx 重试
func (w *Webhook) Publish(ctx context.Context, e Event) error {
	u, err := url.Parse(w.Endpoint)
	if err != nil {
		return fmt.Errorf("webhook endpoint: %w", err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	now := w.now
	if now == nil {
		now = time.Now
	}
	ts := now().Unix()
	nonce := uuid.NewString()[:8]
	sig := Sign(w.Secret, Canonical(http.MethodPost, u.Path, ts, nonce, body))

	var lastErr error
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 && len(w.Backoff) > 0 {
			backoff := w.Backoff[min(attempt-1, len(w.Backoff)-1)]
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", w.APIKey)
		req.Header.Set("X-Signature", sig)
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Event-Id", e.EventID)

		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return fmt.Errorf("webhook rejected event: http %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("webhook: http %d", resp.StatusCode)
	}
	return lastErr
}
