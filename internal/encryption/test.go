package encryption

import (
	"bytes"
	"fmt"
	"io"

	"ckpt-go/internal/ckpt"
)

var testMagic = []byte("CKPTTEST")

// TestEncryptor frames data with a fixed marker instead of encrypting it.
// Output differs from the input and round-trips without keys.
type TestEncryptor struct {
	// Passphrase, when set, must be given to Unlock.
	Passphrase string
}

var _ ckpt.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor { return &TestEncryptor{} }

func (e *TestEncryptor) Setup(passphrase string) error {
	e.Passphrase = passphrase
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return err
	}
	_, err := io.Copy(w, r)
	return err
}

func (e *TestEncryptor) Unlock(passphrase string) (ckpt.DecryptionContext, error) {
	if e.Passphrase != "" && passphrase != e.Passphrase {
		return nil, fmt.Errorf("wrong passphrase")
	}
	return testSession{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

type testSession struct{}

func (testSession) Decrypt(r io.Reader, w io.Writer) error {
	head := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("reading marker: %w", err)
	}
	if !bytes.Equal(head, testMagic) {
		return fmt.Errorf("not a test-encrypted stream")
	}
	_, err := io.Copy(w, r)
	return err
}
