package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// DefaultMaxSkew is how old a delivery timestamp may be before a receiver
// rejects it as a replay.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrStaleRequest = errors.New("webhook timestamp outside allowed skew")
)

// SignHMAC signs "<timestamp>.<body>" with HMAC-SHA256 and returns lowercase
// hex. The timestamp is the X-Timestamp header value (unix seconds).
func SignHMAC(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}

// VerifyHMAC checks a delivery signature and that its timestamp lies within
// maxSkew of now. maxSkew <= 0 uses DefaultMaxSkew.
func VerifyHMAC(secret, timestamp string, body []byte, provided string, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleRequest
	}
	if d := now.Sub(time.Unix(sec, 0)); d > maxSkew || d < -maxSkew {
		return ErrStaleRequest
	}
	got, err := hex.DecodeString(provided)
	if err != nil || !hmac.Equal(mac(secret, timestamp, body), got) {
		return ErrBadSignature
	}
	return nil
}

func mac(secret, timestamp string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(timestamp))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
