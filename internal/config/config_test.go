package config

import "testing"

func validTestConfig() *Config {
	return &Config{
		Environment: "development",
		OTP: OTPConfig{
			CodeLength:    6,
			MaxAttempts:   3,
			ExpirySeconds: 300,
		},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Fatalf("Validate rejected a sane config: %v", err)
	}
}

func TestValidateCodeLengthBounds(t *testing.T) {
	for _, length := range []int{0, 3, 11} {
		cfg := validTestConfig()
		cfg.OTP.CodeLength = length
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate accepted code length %d", length)
		}
	}
	for _, length := range []int{4, 6, 10} {
		cfg := validTestConfig()
		cfg.OTP.CodeLength = length
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate rejected code length %d: %v", length, err)
		}
	}
}

func TestValidateRejectsNonPositiveWindows(t *testing.T) {
	cfg := validTestConfig()
	cfg.OTP.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted zero max attempts")
	}

	cfg = validTestConfig()
	cfg.OTP.ExpirySeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted zero expiry")
	}
}

func TestValidateStaticMode(t *testing.T) {
	cfg := validTestConfig()
	cfg.OTP.StaticMode = true
	cfg.OTP.StaticCode = "123456"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate rejected static mode in development: %v", err)
	}

	cfg.Environment = "production"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted static mode in production")
	}

	cfg = validTestConfig()
	cfg.OTP.StaticMode = true
	cfg.OTP.StaticCode = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted static mode without a static code")
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := &Config{Environment: "production", Server: ServerConfig{Port: 8080}}
	if !cfg.IsProduction() || cfg.IsDevelopment() {
		t.Error("production environment misreported")
	}
	if got := cfg.GetServerAddress(); got != ":8080" {
		t.Errorf("server address = %q, want :8080", got)
	}

	cfg.Environment = "development"
	if cfg.IsProduction() || !cfg.IsDevelopment() {
		t.Error("development environment misreported")
	}
}
