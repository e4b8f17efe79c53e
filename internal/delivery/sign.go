package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Outbound headers.
const (
	HeaderEvent     = "X-KM-Event"
	HeaderSignature = "X-KM-Signature" // sha256=<hex>
)

// DefaultUserAgent identifies the platform to receivers.
const DefaultUserAgent = "KnowledgeMarket-Webhook/1.0"

// Sign returns "sha256=" followed by the lowercase hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// EncodeBody returns the exact bytes that are signed and sent for p.
func EncodeBody(p Payload) ([]byte, error) {
	return canonicalJSON(p)
}
