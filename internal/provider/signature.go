// ABOUTME: X-Hub-Signature-256 helpers for webhook deliveries
// ABOUTME: HMAC-SHA256 of the raw body keyed by the app secret

package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks an X-Hub-Signature-256 value ("sha256=<hex>") against body.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || appSecret == "" {
		return false
	}
	expected, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, Sign(appSecret, body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureValue formats body's signature as the provider sends it.
func SignatureValue(appSecret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(appSecret, body))
}
