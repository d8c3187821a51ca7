package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/secrets"
)

const credentialColumns = `user_id, provider, credential_type, access_token_enc,
	refresh_token_enc, expires_at, status, updated_at`

func scanCredential(row pgx.Row) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	err := row.Scan(&c.UserID, &c.Provider, &c.Type, &c.AccessTokenEnc,
		&c.RefreshTokenEnc, &c.ExpiresAt, &c.Status, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	return &c, nil
}

// UpsertCredential stores a user's encrypted provider secret, replacing any
// previous value for the same (user, provider).
func (s *Store) UpsertCredential(ctx context.Context, cred *models.ProviderCredential) (*models.ProviderCredential, error) {
	if cred.Status == "" {
		cred.Status = models.CredentialStatusActive
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO provider_credentials (user_id, provider, credential_type,
			access_token_enc, refresh_token_enc, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET credential_type = EXCLUDED.credential_type,
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			expires_at = EXCLUDED.expires_at,
			status = EXCLUDED.status,
			updated_at = now()
		RETURNING `+credentialColumns,
		cred.UserID, cred.Provider, cred.Type, cred.AccessTokenEnc,
		cred.RefreshTokenEnc, cred.ExpiresAt, cred.Status)
	return scanCredential(row)
}

// GetCredential loads one user's secret for one provider.
func (s *Store) GetCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials
		WHERE user_id = $1 AND provider = $2`, userID, provider)
	return scanCredential(row)
}

// UpdateCredentialStatus flags a credential, e.g. after a refresh failure.
func (s *Store) UpdateCredentialStatus(ctx context.Context, userID, provider, status string) error {
	return s.guardedExec(ctx, `
		UPDATE provider_credentials SET status = $3, updated_at = now()
		WHERE user_id = $1 AND provider = $2`, userID, provider, status)
}

// ListUserCredentials returns a user's stored credentials.
func (s *Store) ListUserCredentials(ctx context.Context, userID string) ([]*models.ProviderCredential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials
		WHERE user_id = $1
		ORDER BY provider ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.ProviderCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// GetUserKey returns the wrapped per-user data key. Satisfies
// secrets.KeyStore.
func (s *Store) GetUserKey(ctx context.Context, userID string) ([]byte, error) {
	var wrapped []byte
	err := s.db.QueryRow(ctx, `
		SELECT wrapped_key FROM user_keys WHERE user_id = $1`, userID).Scan(&wrapped)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, secrets.ErrUserKeyNotFound
		}
		return nil, fmt.Errorf("failed to load user key: %w", err)
	}
	return wrapped, nil
}

// PutUserKey stores the wrapped per-user data key. Satisfies
// secrets.KeyStore.
func (s *Store) PutUserKey(ctx context.Context, userID string, wrapped []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_keys (user_id, wrapped_key)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET wrapped_key = EXCLUDED.wrapped_key`,
		userID, wrapped)
	if err != nil {
		return fmt.Errorf("failed to store user key: %w", err)
	}
	return nil
}
