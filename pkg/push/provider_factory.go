package push

import (
	"context"

	"go.uber.org/zap"

	"storylab-backend/pkg/config"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/resilience"
)

// Provider types accepted in PUSH_PROVIDER
const (
	ProviderTypeMock     = "mock"
	ProviderTypeFirebase = "firebase"
)

// NewProvider creates the push provider named by cfg.Provider. Unknown names
// fall back to the mock provider.
func NewProvider(ctx context.Context, cfg config.PushConfig) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", cfg.Provider))

	switch cfg.Provider {
	case ProviderTypeFirebase:
		fcm, err := NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.ProjectID,
			CredentialsPath: cfg.CredentialsPath,
		})
		if err != nil {
			return nil, err
		}
		return WithBreaker(fcm, resilience.NewBreaker(resilience.Config{Name: "fcm"})), nil
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", cfg.Provider))
		return &MockProvider{}, nil
	}
}
