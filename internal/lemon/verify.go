package lemon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifySignature checks a webhook signature: hex-encoded HMAC-SHA256 of the
// exact raw request body under the shared secret. The body must never be
// re-serialized before verification. Fails closed on an empty secret,
// signature, or body.
func VerifySignature(rawBody []byte, signatureHex, secret string) bool {
	if secret == "" || signatureHex == "" || len(rawBody) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Equal length is required before the constant-time compare.
	if len(signatureHex) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(signatureHex), []byte(expected))
}
