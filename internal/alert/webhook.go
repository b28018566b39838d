package alert

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/querytrace/querytrace/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is
// configured.
const SignatureHeader = "X-Querytrace-Signature"

const (
	userAgent       = "querytrace/1.0"
	deliveryTimeout = 10 * time.Second
)

// poster delivers JSON bodies, retrying transport errors and 5xx answers
// until maxElapsed. 4xx answers are not retried.
type poster struct {
	client     *http.Client
	maxElapsed time.Duration
}

func newPoster() poster {
	return poster{
		client:     &http.Client{Timeout: deliveryTimeout},
		maxElapsed: 30 * time.Second,
	}
}

func (p poster) post(url string, body []byte, header http.Header) (int, error) {
	var status int
	op := func() error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		for k, vs := range header {
			req.Header[k] = vs
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		status = resp.StatusCode
		switch {
		case status >= 500:
			return fmt.Errorf("endpoint returned %d", status)
		case status >= 400:
			return backoff.Permanent(fmt.Errorf("endpoint returned %d", status))
		}
		return nil
	}

	if p.maxElapsed <= 0 {
		return status, op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = p.maxElapsed
	return status, backoff.Retry(op, bo)
}

// WebhookSender posts the alert itself as JSON to a generic endpoint.
type WebhookSender struct {
	url    string
	secret string
	poster poster
}

// NewWebhookSender creates a new generic webhook sender.
func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		poster: newPoster(),
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	header := http.Header{}
	if w.secret != "" {
		header.Set(SignatureHeader, sign(body, w.secret))
	}
	if _, err := w.poster.post(w.url, body, header); err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	return nil
}

// sign returns the hex HMAC-SHA256 of body keyed by secret.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
