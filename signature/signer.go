// Package signature signs batch request bodies with HMAC-SHA256 so a
// collector can authenticate the sender and reject replays.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Request headers carrying the signature.
const (
	HeaderSignature = "X-Beacon-Signature"
	HeaderTimestamp = "X-Beacon-Timestamp"
)

// DefaultTolerance bounds clock skew accepted by VerifyRequest.
const DefaultTolerance = 5 * time.Minute

// Sign returns the versioned signature "v1=<hex>" of "{timestamp}.{payload}"
// where timestamp is Unix seconds.
func Sign(payload []byte, secret string, timestamp int64) string {
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches payload, secret and timestamp.
func Verify(payload []byte, secret string, timestamp int64, sig string) bool {
	expected := Sign(payload, secret, timestamp)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// SignRequest sets the timestamp and signature headers for body on h.
func SignRequest(h http.Header, body []byte, secret string, now time.Time) {
	ts := now.Unix()
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, Sign(body, secret, ts))
}

// VerifyRequest checks the headers SignRequest sets. Timestamps further
// than tolerance from now are rejected.
func VerifyRequest(h http.Header, body []byte, secret string, now time.Time, tolerance time.Duration) bool {
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if tolerance > 0 && skew > tolerance {
		return false
	}
	return Verify(body, secret, ts, h.Get(HeaderSignature))
}
