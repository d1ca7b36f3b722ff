package model

import "time"

// Recipient is a push-capable endpoint registered by the mobile app.
type Recipient struct {
	Token        string    `json:"token"`
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformOther   = "other"
)

// NormalizePlatform maps free-form platform labels onto the known set.
func NormalizePlatform(value string) string {
	switch value {
	case PlatformIOS, "iOS", "IOS", "ipados":
		return PlatformIOS
	case PlatformAndroid, "Android", "ANDROID":
		return PlatformAndroid
	default:
		return PlatformOther
	}
}

// RecipientView is a recipient with its token masked for listing.
type RecipientView struct {
	Token        string    `json:"token"`
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
