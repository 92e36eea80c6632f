package utils

import "fmt"

// Sealer encrypts values that are stored in the database, such as webhook
// signing secrets and the archive passphrase, under one service key.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// Key returns the raw key for components that decrypt on their own.
func (s *Sealer) Key() []byte { return s.key }

func (s *Sealer) Seal(plaintext string) (string, error) {
	return Encrypt(plaintext, s.key)
}

func (s *Sealer) Open(sealed string) (string, error) {
	return Decrypt(sealed, s.key)
}
