package generator

import (
	"testing"

	"otp-service/internal/config"
)

func TestGenerateStaticMode(t *testing.T) {
	gen := New(config.OTPConfig{
		StaticMode: true,
		StaticCode: "123456",
		CodeLength: 6,
	})

	for i := 0; i < 5; i++ {
		if code := gen.Generate(); code != "123456" {
			t.Fatalf("static mode returned %q, want 123456", code)
		}
	}
}

func TestGenerateRandomLengthAndCharset(t *testing.T) {
	gen := New(config.OTPConfig{CodeLength: 6})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := gen.Generate()
		if len(code) != 6 {
			t.Fatalf("generated code %q has length %d, want 6", code, len(code))
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("generated code %q contains non-digit %q", code, c)
			}
		}
		seen[code] = true
	}

	if len(seen) < 2 {
		t.Fatal("100 generated codes were all identical")
	}
}

func TestGenerateDefaultsLength(t *testing.T) {
	gen := New(config.OTPConfig{})
	if gen.Length() != 6 {
		t.Fatalf("default length = %d, want 6", gen.Length())
	}
	if code := gen.Generate(); len(code) != 6 {
		t.Fatalf("generated code %q has length %d, want 6", code, len(code))
	}
}
