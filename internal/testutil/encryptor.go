package testutil

import (
	"ckpt-go/internal/encryption"
)

// NewTestEncryptor creates a reversible, keyless encryptor for testing.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
