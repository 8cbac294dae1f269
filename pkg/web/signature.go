package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

var (
	errWebhookSecretMissing = errors.New("webhook secret not configured")
	errSignatureMissing     = errors.New("missing webhook signature")
	errSignatureInvalid     = errors.New("invalid webhook signature")
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return errSignatureMissing
	}

	given, err := hex.DecodeString(signature)
	if err != nil {
		return errSignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	if !hmac.Equal(given, mac.Sum(nil)) {
		return errSignatureInvalid
	}

	return nil
}
