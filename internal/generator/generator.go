package generator

import (
	"crypto/rand"
	"math/big"

	"otp-service/internal/config"
)

// Generator produces numeric one-time codes per the configured policy.
// In static mode it always returns the fixed code, which keeps development
// and test environments independent of the delivery provider.
type Generator struct {
	staticMode bool
	staticCode string
	length     int
}

func New(cfg config.OTPConfig) *Generator {
	length := cfg.CodeLength
	if length <= 0 {
		length = 6
	}
	return &Generator{
		staticMode: cfg.StaticMode,
		staticCode: cfg.StaticCode,
		length:     length,
	}
}

// Generate returns a fixed-length numeric code. Uniformly random outside
// static mode; leading zeros are preserved.
func (g *Generator) Generate() string {
	if g.staticMode {
		return g.staticCode
	}

	digits := make([]byte, g.length)
	max := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// there is no meaningful fallback for a secret.
			panic("otp generator: system entropy unavailable: " + err.Error())
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits)
}

// Length returns the configured code length.
func (g *Generator) Length() int {
	if g.staticMode {
		return len(g.staticCode)
	}
	return g.length
}
