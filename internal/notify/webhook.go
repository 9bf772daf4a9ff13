package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetalert/internal/models"

	"github.com/go-resty/resty/v2"
	"gorm.io/datatypes"
)

const (
	SignatureHeader = "X-Fleetalert-Signature"
	TimestampHeader = "X-Fleetalert-Timestamp"
)

// WebhookConfig is the config blob of a webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"` // POST when empty
	Headers map[string]string `json:"headers"`
	Secret  string            `json:"secret"` // HMAC-SHA256 key, optional
}

func parseWebhookConfig(raw datatypes.JSON) (*WebhookConfig, error) {
	var cfg WebhookConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, Permanent(fmt.Errorf("invalid webhook url %q", cfg.URL))
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	switch cfg.Method {
	case "":
		cfg.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, Permanent(fmt.Errorf("unsupported webhook method %q", cfg.Method))
	}
	return &cfg, nil
}

// WebhookSender posts the JSON payload to the channel URL.
type WebhookSender struct {
	client *resty.Client
}

func NewWebhookSender(hc *http.Client) *WebhookSender {
	if hc == nil {
		hc = GetHTTPClient()
	}
	return &WebhookSender{
		client: resty.NewWithClient(hc).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "fleetalert-webhook/1.0"),
	}
}

func (w *WebhookSender) Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error) {
	cfg, err := parseWebhookConfig(ch.Config)
	if err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("marshal webhook body: %w", err))
	}

	req := w.client.R().SetContext(ctx).SetHeaders(cfg.Headers).SetBody(body)
	if cfg.Secret != "" {
		ts := strconv.FormatInt(msg.SentAt.Unix(), 10)
		req.SetHeader(TimestampHeader, ts)
		req.SetHeader(SignatureHeader, "sha256="+Sign(cfg.Secret, ts, body))
	}

	start := time.Now()
	resp, err := req.Execute(cfg.Method, cfg.URL)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Latency: latency}, fmt.Errorf("webhook timed out after %s: %w", latency, err)
		}
		return Result{Latency: latency}, fmt.Errorf("webhook request failed: %w", err)
	}

	res := Result{StatusCode: resp.StatusCode(), Latency: latency}
	if resp.IsSuccess() {
		return res, nil
	}

	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	if nonRetryableStatus(resp.StatusCode()) {
		return res, Permanent(err)
	}
	return res, err
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Only requests the destination can never accept are permanent. Auth
// failures stay retryable since credentials are often fixed on the far side.
func nonRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusGone,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
