package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
)

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. A positive tolerance also rejects bodies
// whose envelope timestamp is further than tolerance from now.
func Verify(secret string, body []byte, signature string, now time.Time, tolerance time.Duration) error {
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(strings.TrimSpace(signature)), []byte(expected)) {
		return webhookdomain.ErrInvalidSignature
	}
	if tolerance <= 0 {
		return nil
	}
	var env webhookdomain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return webhookdomain.ErrInvalidSignature
	}
	sent, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return webhookdomain.ErrInvalidSignature
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
