package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"otp-service/internal/config"
)

// Hasher produces the at-rest representation of one-time codes. Codes are
// never stored or logged in the clear; the ephemeral store holds only an
// HMAC-SHA256 of the code keyed with a deployment-wide pepper. Comparing
// fixed-length digests also avoids leaking the code length through an early
// length-mismatch exit.
type Hasher struct {
	pepper []byte
}

func NewHasher(cfg *config.Config) *Hasher {
	return &Hasher{pepper: []byte(cfg.OTP.Pepper)}
}

// HashCode returns the hex digest stored in place of the code.
func (h *Hasher) HashCode(code string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCode compares a submitted code against a stored digest in constant
// time over the digests.
func (h *Hasher) VerifyCode(code, storedHash string) bool {
	candidate := h.HashCode(code)
	return hmac.Equal([]byte(candidate), []byte(storedHash))
}

// RecipientHash is the non-peppered recipient fingerprint used on the event
// stream so raw phone numbers and emails never leave the service boundary.
func RecipientHash(recipient string) string {
	sum := sha256.Sum256([]byte(recipient))
	return hex.EncodeToString(sum[:])
}
