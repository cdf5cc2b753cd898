// Package sealed encrypts snapshot archives with a passphrase. It wraps
// filippo.io/age scrypt recipients: operators only ever handle a
// passphrase, never key files.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// DefaultWorkFactor is the scrypt log2(N) used for new archives. Tests lower
// it through Sealer.WorkFactor to keep runs fast.
const DefaultWorkFactor = 18

// ErrIncorrectPassphrase is returned when the passphrase does not open the
// ciphertext.
var ErrIncorrectPassphrase = errors.New("sealed: incorrect passphrase")

// ErrEmptyPassphrase is returned for an empty passphrase.
var ErrEmptyPassphrase = errors.New("sealed: empty passphrase")

// Sealer holds encryption parameters.
type Sealer struct {
	// WorkFactor is the scrypt log2(N) for encryption. Zero means
	// DefaultWorkFactor.
	WorkFactor int

	// MaxWorkFactor caps the work factor accepted on decryption. Zero
	// means age's default cap.
	MaxWorkFactor int
}

// Encrypt seals plaintext under passphrase.
func (s Sealer) Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	wf := s.WorkFactor
	if wf == 0 {
		wf = DefaultWorkFactor
	}
	recipient.SetWorkFactor(wf)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Decrypt opens ciphertext with passphrase. A wrong passphrase yields
// ErrIncorrectPassphrase; anything that is not an age scrypt file yields a
// different error.
func (s Sealer) Decrypt(ciphertext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	if s.MaxWorkFactor > 0 {
		identity.SetMaxWorkFactor(s.MaxWorkFactor)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrIncorrectPassphrase
		}
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
