package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/xraph/beacon/signature"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"events":[]}`)
	secret := "bsk_testsecret123"
	timestamp := int64(1700000000)

	got := signature.Sign(payload, secret, timestamp)

	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	expected := "v1=" + hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
	if len(got) != 67 {
		t.Errorf("expected signature length 67, got %d", len(got))
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"events":[{"eventType":"app.launched"}]}`)
	secret := "bsk_roundtrip"
	ts := int64(1700000001)
	sig := signature.Sign(payload, secret, ts)

	tests := []struct {
		name    string
		payload []byte
		secret  string
		ts      int64
		want    bool
	}{
		{"valid", payload, secret, ts, true},
		{"tampered payload", []byte(`{"events":[]}`), secret, ts, false},
		{"wrong secret", payload, "bsk_wrong", ts, false},
		{"wrong timestamp", payload, secret, ts + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signature.Verify(tt.payload, tt.secret, tt.ts, sig); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignRequestRoundTrip(t *testing.T) {
	body := []byte(`{"events":[]}`)
	now := time.Unix(1700000000, 0)
	h := http.Header{}

	signature.SignRequest(h, body, "bsk_secret", now)

	if h.Get(signature.HeaderTimestamp) != "1700000000" {
		t.Errorf("timestamp header = %q", h.Get(signature.HeaderTimestamp))
	}
	if !signature.VerifyRequest(h, body, "bsk_secret", now.Add(time.Minute), signature.DefaultTolerance) {
		t.Error("VerifyRequest() returned false for a fresh signature")
	}
	if signature.VerifyRequest(h, body, "bsk_secret", now.Add(10*time.Minute), signature.DefaultTolerance) {
		t.Error("VerifyRequest() accepted a stale signature")
	}
	if signature.VerifyRequest(http.Header{}, body, "bsk_secret", now, 0) {
		t.Error("VerifyRequest() accepted missing headers")
	}
}
