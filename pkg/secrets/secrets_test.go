package secrets

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey(fill byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill
	}
	return key
}

func newTestKeyring(t *testing.T, fill byte, store KeyStore) *Keyring {
	t.Helper()
	k, err := NewKeyring(testMasterKey(fill), store)
	require.NoError(t, err)
	return k
}

func TestNewKeyringRejectsShortMasterKey(t *testing.T) {
	_, err := NewKeyring(make([]byte, 16), NewMemoryKeyStore())
	assert.ErrorContains(t, err, "32 bytes")
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, 0x01, NewMemoryKeyStore())

	enc, err := k.EncryptCredential(ctx, "alice", "sk-ant-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-ant-secret", enc)

	dec, err := k.DecryptCredential(ctx, "alice", enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", dec)

	// Fresh nonce per call: identical plaintexts never share ciphertext.
	enc2, err := k.EncryptCredential(ctx, "alice", "sk-ant-secret")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)
}

func TestCredentialEmptyStringPassesThrough(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, 0x01, NewMemoryKeyStore())

	enc, err := k.EncryptCredential(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := k.DecryptCredential(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestCredentialsIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, 0x01, NewMemoryKeyStore())

	enc, err := k.EncryptCredential(ctx, "alice", "alice-token")
	require.NoError(t, err)

	_, err = k.DecryptCredential(ctx, "bob", enc)
	assert.Error(t, err, "bob's key must not open alice's ciphertext")
}

func TestUserKeySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	first := newTestKeyring(t, 0x01, store)
	enc, err := first.EncryptCredential(ctx, "alice", "persisted")
	require.NoError(t, err)
	require.Len(t, store.keys, 1, "wrapped key written on first use")

	second := newTestKeyring(t, 0x01, store)
	dec, err := second.DecryptCredential(ctx, "alice", enc)
	require.NoError(t, err)
	assert.Equal(t, "persisted", dec)
	assert.Len(t, store.keys, 1, "restart reuses the wrapped key")
}

func TestWrongMasterKeyCannotUnwrap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	first := newTestKeyring(t, 0x01, store)
	enc, err := first.EncryptCredential(ctx, "alice", "secret")
	require.NoError(t, err)

	rotated := newTestKeyring(t, 0x02, store)
	_, err = rotated.DecryptCredential(ctx, "alice", enc)
	assert.ErrorContains(t, err, "unwrap user key")
}

func TestTamperedCiphertextRejected(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, 0x01, NewMemoryKeyStore())

	enc, err := k.EncryptCredential(ctx, "alice", "secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = k.DecryptCredential(ctx, "alice", base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestApprovalTokenHashAndVerify(t *testing.T) {
	k := newTestKeyring(t, 0x01, NewMemoryKeyStore())

	token, tokenHash, err := k.NewApprovalToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotContains(t, token, "=", "tokens are unpadded URL-safe base64")
	assert.Equal(t, tokenHash, k.TokenHash(token))

	assert.True(t, k.VerifyToken(token, tokenHash))
	assert.False(t, k.VerifyToken("some-other-token", tokenHash))
}

func TestTokenHashBoundToMasterKey(t *testing.T) {
	a := newTestKeyring(t, 0x01, NewMemoryKeyStore())
	b := newTestKeyring(t, 0x02, NewMemoryKeyStore())

	assert.NotEqual(t, a.TokenHash("token"), b.TokenHash("token"))
}

func TestDecodeMasterKey(t *testing.T) {
	encoded, err := GenerateMasterKey()
	require.NoError(t, err)

	key, err := DecodeMasterKey(encoded)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = DecodeMasterKey("not base64!!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err = DecodeMasterKey(short)
	assert.ErrorContains(t, err, "32 bytes")
}
