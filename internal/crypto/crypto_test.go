package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor("test-secret")
	require.NoError(t, err)

	for _, plaintext := range []string{"", "caldav-password", `{"access_token":"ya29.x"}`} {
		ciphertext, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	enc, err := NewAESEncryptor("test-secret")
	require.NoError(t, err)

	a, err := enc.Encrypt("secret")
	require.NoError(t, err)
	b, err := enc.Encrypt("secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewAESEncryptor("test-secret")
	require.NoError(t, err)

	_, err = enc.Decrypt("not-base64!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = enc.Decrypt("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc1, err := NewAESEncryptor("key-one")
	require.NoError(t, err)
	enc2, err := NewAESEncryptor("key-two")
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt("secret")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewAESEncryptor("")
	assert.Error(t, err)
}
