package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Headers carried by signed webhook deliveries.
const (
	WebhookSignatureHeader = "X-Apollo-Signature"
	WebhookTimestampHeader = "X-Apollo-Timestamp"
)

// SignWebhook returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a delivery's signature and rejects timestamps more
// than maxSkew away from now. Receivers use it on the raw request body.
func VerifyWebhook(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) bool {
	if secret == "" || signature == "" {
		return false
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew {
		return false
	}
	want := SignWebhook(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(signature))
}
