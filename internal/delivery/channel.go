package delivery

import (
	"context"

	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// LogChannel is the development delivery channel: it logs instead of sending.
// Production deployments plug a provider-backed implementation of
// model.DeliveryChannel in its place.
type LogChannel struct{}

func NewLogChannel() *LogChannel {
	return &LogChannel{}
}

var _ model.DeliveryChannel = (*LogChannel)(nil)

func (c *LogChannel) Send(ctx context.Context, recipient, code string, purpose model.Purpose) error {
	util.Info("OTP delivery (log channel)",
		zap.String("purpose", string(purpose)),
		zap.Int("code_length", len(code)))
	return nil
}
