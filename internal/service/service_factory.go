package service

import (
	"otp-service/internal/config"
	"otp-service/internal/generator"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg       *config.Config
	generator *generator.Generator
	hasher    *hashing.Hasher
	ephemeral model.EphemeralStore
	cooldown  model.CooldownStore
	requests  model.RequestStore
	attempts  model.AttemptStore
	analytics model.AnalyticsStore
	audit     model.AuditIndex
	publisher model.EventPublisher
	channel   model.DeliveryChannel

	otpService *OTPService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	gen *generator.Generator,
	hasher *hashing.Hasher,
	ephemeral model.EphemeralStore,
	cooldown model.CooldownStore,
	requests model.RequestStore,
	attempts model.AttemptStore,
	analytics model.AnalyticsStore,
	audit model.AuditIndex,
	publisher model.EventPublisher,
	channel model.DeliveryChannel,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:       cfg,
		generator: gen,
		hasher:    hasher,
		ephemeral: ephemeral,
		cooldown:  cooldown,
		requests:  requests,
		attempts:  attempts,
		analytics: analytics,
		audit:     audit,
		publisher: publisher,
		channel:   channel,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.cfg,
			f.generator,
			f.hasher,
			f.ephemeral,
			f.cooldown,
			f.requests,
			f.attempts,
			f.analytics,
			f.audit,
			f.publisher,
			f.channel,
		)
	}
	return f.otpService
}
