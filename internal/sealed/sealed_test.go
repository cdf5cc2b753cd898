package sealed

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fast keeps scrypt cheap in tests.
var fast = Sealer{WorkFactor: 10}

func TestRoundTrip(t *testing.T) {
	plaintext := []byte("ticket state goes here")

	ciphertext, err := fast.Encrypt(plaintext, "correct horse")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, plaintext))

	got, err := fast.Decrypt(ciphertext, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestWrongPassphrase(t *testing.T) {
	ciphertext, err := fast.Encrypt([]byte("secret"), "right")
	require.NoError(t, err)

	_, err = fast.Decrypt(ciphertext, "wrong")
	assert.ErrorIs(t, err, ErrIncorrectPassphrase)
}

func TestEmptyPassphrase(t *testing.T) {
	_, err := fast.Encrypt([]byte("x"), "")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	_, err = fast.Decrypt([]byte("x"), "")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}

func TestGarbageIsNotAuthFailure(t *testing.T) {
	_, err := fast.Decrypt([]byte("definitely not an age file"), "pw")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncorrectPassphrase)
}

func TestEmptyPlaintext(t *testing.T) {
	ciphertext, err := fast.Encrypt(nil, "pw")
	require.NoError(t, err)

	got, err := fast.Decrypt(ciphertext, "pw")
	require.NoError(t, err)
	assert.Empty(t, got)
}
