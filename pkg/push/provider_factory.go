package push

import (
	"fmt"

	"go.uber.org/zap"

	"huddle-backend/pkg/env"
	"huddle-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates the provider named by PUSH_PROVIDER; credentials come from the FCM_* or APNS_* variables
func NewProvider(providerType ProviderType) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		projectID := env.GetString("FCM_PROJECT_ID", "")
		if projectID == "" {
			return nil, fmt.Errorf("FCM_PROJECT_ID environment variable is required for FCM provider")
		}
		return NewFCMProvider(&FCMConfig{
			ProjectID:       projectID,
			CredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			CredentialsJSON: []byte(env.GetStringFromFile("FCM_CREDENTIALS_JSON", "")),
		})
	case ProviderTypeAPNs:
		bundleID := env.GetString("APNS_BUNDLE_ID", "")
		if bundleID == "" {
			return nil, fmt.Errorf("APNS_BUNDLE_ID environment variable is required for APNs provider")
		}
		return NewAPNsProvider(&APNsConfig{
			BundleID:            bundleID,
			KeyPath:             env.GetString("APNS_KEY_PATH", ""),
			KeyID:               env.GetString("APNS_KEY_ID", ""),
			TeamID:              env.GetString("APNS_TEAM_ID", ""),
			CertificatePath:     env.GetString("APNS_CERT_PATH", ""),
			CertificatePassword: env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			Production:          env.GetBool("APNS_PRODUCTION", false),
		})
	case ProviderTypeMock:
		logger.Info("Using mock push notification provider")
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return &MockProvider{}, nil
	}
}
