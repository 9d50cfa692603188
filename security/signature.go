package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature   = errors.New("missing signature")
	ErrMalformedSignature = errors.New("signature is not hex")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// VerifyWebhookSignature checks a hex encoded HMAC-SHA256 of payload in
// constant time.
func VerifyWebhookSignature(payload []byte, signature string, secret []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrMalformedSignature
	}
	if !hmac.Equal(got, calculateHMAC(payload, secret)) {
		return ErrSignatureMismatch
	}
	return nil
}

func SignWebhookPayload(payload []byte, secret []byte) string {
	return hex.EncodeToString(calculateHMAC(payload, secret))
}

func calculateHMAC(payload, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}
