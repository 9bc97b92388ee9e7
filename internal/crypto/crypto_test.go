package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, seed byte) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewService(1, testKey(t, 0x01), nil)
	require.NoError(t, err)

	plaintext := []byte("hello, secret")
	rec, err := svc.Encrypt(plaintext)
	require.NoError(t, err)
	require.Equal(t, 1, rec.KeyVersion)

	out, err := svc.Decrypt(rec)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	svc, err := NewService(1, testKey(t, 0x02), nil)
	require.NoError(t, err)

	rec, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	rec.Ciphertext[0] ^= 0xFF
	_, err = svc.Decrypt(rec)
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestDecryptTamperedNonceFails(t *testing.T) {
	svc, err := NewService(1, testKey(t, 0x03), nil)
	require.NoError(t, err)

	rec, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	rec.Nonce[0] ^= 0xFF
	_, err = svc.Decrypt(rec)
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestDecryptUnknownKeyVersionFails(t *testing.T) {
	svc, err := NewService(1, testKey(t, 0x04), nil)
	require.NoError(t, err)

	rec, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)
	rec.KeyVersion = 99

	_, err = svc.Decrypt(rec)
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestRotationKeepsOldVersionDecryptable(t *testing.T) {
	oldKey := testKey(t, 0x05)
	svc1, err := NewService(1, oldKey, nil)
	require.NoError(t, err)

	rec, err := svc1.Encrypt([]byte("v1 payload"))
	require.NoError(t, err)

	newKey := testKey(t, 0x06)
	svc2, err := NewService(2, newKey, map[int][]byte{1: oldKey})
	require.NoError(t, err)

	out, err := svc2.Decrypt(rec)
	require.NoError(t, err)
	require.Equal(t, "v1 payload", string(out))

	newRec, err := svc2.Encrypt([]byte("v2 payload"))
	require.NoError(t, err)
	require.Equal(t, 2, newRec.KeyVersion)
}

func TestGenerateKeyRoundTripsThroughEncoding(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	encoded := EncodeKey(key)
	decoded, err := DecodeKey(encoded)
	require.NoError(t, err)
	require.Equal(t, key, decoded)
}
