package models

import "time"

// Credential kinds.
const (
	CredentialTypeOAuth  = "oauth"
	CredentialTypeAPIKey = "apiKey"
)

// Credential statuses.
const (
	CredentialStatusActive  = "active"
	CredentialStatusError   = "error"
	CredentialStatusExpired = "expired"
)

// ProviderCredential holds one user's secret for one provider. Token fields
// are AES-GCM ciphertext under the user's data key; the data key itself is
// wrapped by the master key. Plaintext secrets are decrypted per call and
// never logged.
type ProviderCredential struct {
	UserID          string     `json:"userId"`
	Provider        string     `json:"provider"`
	Type            string     `json:"type"`
	AccessTokenEnc  []byte     `json:"-"`
	RefreshTokenEnc []byte     `json:"-"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Status          string     `json:"status"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}
