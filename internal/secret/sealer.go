// Package secret seals per-job sender secrets before they are written to storage.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrMalformed = errors.New("sealed secret is malformed")

type Sealer struct{ aead cipher.AEAD }

// NewSealer takes a hex encoded 32 byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode credentials key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("credentials key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce||ciphertext. jobID is bound as associated data so a
// sealed secret cannot be moved onto another job row.
func (s *Sealer) Seal(jobID, plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(jobID)), nil
}

func (s *Sealer) Open(jobID string, sealed []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return "", ErrMalformed
	}
	pt, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(jobID))
	if err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}
	return string(pt), nil
}
