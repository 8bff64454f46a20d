package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Headers set on outbound webhook deliveries.
const (
	HeaderWebhookKey       = "X-Bidround-Key"
	HeaderWebhookTimestamp = "X-Bidround-Timestamp"
	HeaderWebhookSignature = "X-Bidround-Webhook-Signature"
)

// ErrStaleWebhook is returned when a webhook timestamp falls outside the
// accepted skew.
var ErrStaleWebhook = errors.New("crypto: webhook timestamp outside tolerance")

// WebhookAuth signs webhook bodies so receivers can check origin and
// freshness. The signature is hex(HMAC-SHA256(secret, timestamp + "." + body)).
type WebhookAuth struct {
	Key    string
	Secret string
}

// Headers returns the signing headers for body at the current time.
func (h *WebhookAuth) Headers(body []byte) map[string]string {
	return h.HeadersAt(body, time.Now().Unix())
}

// HeadersAt is Headers with an explicit Unix timestamp.
func (h *WebhookAuth) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderWebhookKey:       h.Key,
		HeaderWebhookTimestamp: ts,
		HeaderWebhookSignature: h.sign(ts, body),
	}
}

// Verify checks a delivery made with HeadersAt. tolerance bounds the clock
// skew between sender and receiver.
func (h *WebhookAuth) Verify(body []byte, timestamp, signature string, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: webhook timestamp %q: %w", timestamp, err)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < -tolerance || skew > tolerance {
		return ErrStaleWebhook
	}
	want := h.sign(timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (h *WebhookAuth) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *WebhookAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("WebhookAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
