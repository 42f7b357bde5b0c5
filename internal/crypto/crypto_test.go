package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey(testSecret)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// Deterministic for the same input.
	again, err := DeriveKey(testSecret)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestDeriveKey_TooShort(t *testing.T) {
	_, err := DeriveKey("short")
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := DeriveKey(testSecret)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "hunter2", "emoji éè utf-8"} {
		ct, iv, err := Encrypt(key, plaintext)
		require.NoError(t, err)

		got, err := Decrypt(key, ct, iv)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncrypt_DistinctCiphertexts(t *testing.T) {
	key, err := DeriveKey(testSecret)
	require.NoError(t, err)

	ct1, iv1, err := Encrypt(key, "same value")
	require.NoError(t, err)
	ct2, iv2, err := Encrypt(key, "same value")
	require.NoError(t, err)

	assert.NotEqual(t, ct1, ct2, "random IV must yield distinct ciphertexts")
	assert.NotEqual(t, iv1, iv2)
}

func TestDecrypt_WrongKey(t *testing.T) {
	key, err := DeriveKey(testSecret)
	require.NoError(t, err)
	otherKey, err := DeriveKey("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	ct, iv, err := Encrypt(key, "value")
	require.NoError(t, err)

	_, err = Decrypt(otherKey, ct, iv)
	var decErr *DecryptError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecrypt_Garbage(t *testing.T) {
	key, err := DeriveKey(testSecret)
	require.NoError(t, err)

	_, err = Decrypt(key, "not base64!!", "also not")
	var decErr *DecryptError
	assert.ErrorAs(t, err, &decErr)
}
