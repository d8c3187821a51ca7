// Package secrets manages the key hierarchy protecting provider credentials
// and approval tokens. A single 32-byte master key anchors two HKDF-derived
// subkeys: a key-encryption key that wraps random per-user data keys, and an
// HMAC key for approval-token hashes. Unwrapped data keys are cached in
// memory for the process lifetime; plaintext key material is never logged.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the master key and every derived key
// (AES-256).
const KeySize = 32

// Keyring holds the derived subkeys and the per-user data-key cache.
type Keyring struct {
	kek     []byte
	hmacKey []byte
	store   KeyStore

	mu   sync.Mutex
	deks map[string][]byte
}

// NewKeyring derives the credential KEK and the approval-token HMAC key from
// masterKey and returns a keyring backed by store. masterKey must be exactly
// KeySize bytes.
func NewKeyring(masterKey []byte, store KeyStore) (*Keyring, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("secrets: master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	kek, err := deriveKey(masterKey, "drover/credential-kek/v1")
	if err != nil {
		return nil, err
	}
	hmacKey, err := deriveKey(masterKey, "drover/approval-token-hmac/v1")
	if err != nil {
		return nil, err
	}
	return &Keyring{
		kek:     kek,
		hmacKey: hmacKey,
		store:   store,
		deks:    make(map[string][]byte),
	}, nil
}

// DecodeMasterKey decodes a base64-encoded master key from configuration and
// checks its length.
func DecodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: master key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("secrets: master key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// GenerateMasterKey returns a fresh random master key, base64-encoded for
// storage in configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("secrets: generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// EncryptCredential encrypts a provider secret for userID. The result is
// base64(nonce || ciphertext), the storage form of accessTokenEnc and
// refreshTokenEnc. An empty input stays empty.
func (k *Keyring) EncryptCredential(ctx context.Context, userID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	dek, err := k.userKey(ctx, userID)
	if err != nil {
		return "", err
	}
	sealed, err := seal(dek, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredential reverses EncryptCredential.
func (k *Keyring) DecryptCredential(ctx context.Context, userID, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: decode credential: %w", err)
	}
	dek, err := k.userKey(ctx, userID)
	if err != nil {
		return "", err
	}
	plaintext, err := open(dek, data)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// NewApprovalToken mints a URL-safe random token and its storable hash. The
// token itself is returned once to the caller and then discarded.
func (k *Keyring) NewApprovalToken() (token, tokenHash string, err error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", "", fmt.Errorf("secrets: generate approval token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, k.TokenHash(token), nil
}

// TokenHash computes the HMAC-SHA256 of an approval token under the derived
// HMAC key. Only this hash is persisted.
func (k *Keyring) TokenHash(token string) string {
	mac := hmac.New(sha256.New, k.hmacKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether token matches tokenHash in constant time.
func (k *Keyring) VerifyToken(token, tokenHash string) bool {
	return hmac.Equal([]byte(k.TokenHash(token)), []byte(tokenHash))
}

// userKey returns the data key for userID, unwrapping the stored copy or
// generating and persisting a new one on first use. The lock is held across
// store I/O; key loads happen once per user per process.
func (k *Keyring) userKey(ctx context.Context, userID string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if dek, ok := k.deks[userID]; ok {
		return dek, nil
	}

	wrapped, err := k.store.GetUserKey(ctx, userID)
	if errors.Is(err, ErrUserKeyNotFound) {
		dek := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, dek); err != nil {
			return nil, fmt.Errorf("secrets: generate user key: %w", err)
		}
		sealed, err := seal(k.kek, dek)
		if err != nil {
			return nil, err
		}
		if err := k.store.PutUserKey(ctx, userID, sealed); err != nil {
			return nil, fmt.Errorf("secrets: persist user key: %w", err)
		}
		k.deks[userID] = dek
		return dek, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: load user key: %w", err)
	}

	dek, err := open(k.kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("secrets: unwrap user key: %w", err)
	}
	k.deks[userID] = dek
	return dek, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("secrets: derive %s: %w", info, err)
	}
	return key, nil
}

// seal encrypts plaintext with AES-256-GCM and prefixes the random nonce.
// A fresh nonce per call is required for GCM.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("secrets: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}
