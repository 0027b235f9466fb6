// Package encryption seals checkpoint archives at rest.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"

	"ckpt-go/internal/ckpt"
)

// ErrKeysExist is returned by Setup when a key pair is already present.
var ErrKeysExist = errors.New("archive keys already exist")

// KeyPaths locates the archive key pair.
type KeyPaths struct {
	Public  string
	Private string
}

// AgeEncryptor encrypts archives to an X25519 recipient. The identity is
// stored sealed with a passphrase (age scrypt), so creating checkpoints
// needs no secret while restoring an encrypted one does.
type AgeEncryptor struct {
	keys KeyPaths
}

var _ ckpt.Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor(keys KeyPaths) *AgeEncryptor {
	return &AgeEncryptor{keys: keys}
}

// Setup generates the key pair. It refuses to replace existing keys since
// that would orphan every archive sealed with them.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase is empty")
	}
	for _, p := range []string{e.keys.Public, e.keys.Private} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%w: %s", ErrKeysExist, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", p, err)
		}
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	var sealed bytes.Buffer
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("sealing identity: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("sealing identity: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealing identity: %w", err)
	}

	if err := writeKey(e.keys.Private, sealed.Bytes(), 0o600); err != nil {
		return err
	}
	return writeKey(e.keys.Public, []byte(identity.Recipient().String()+"\n"), 0o644)
}

func writeKey(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	data, err := os.ReadFile(e.keys.Public)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("public key file %s holds no recipient", e.keys.Public)
	}
	ew, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("starting encryption: %w", err)
	}
	if _, err := io.Copy(ew, r); err != nil {
		return fmt.Errorf("encrypting archive: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("finishing encryption: %w", err)
	}
	return nil
}

// Unlock opens the sealed identity with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (ckpt.DecryptionContext, error) {
	sealed, err := os.ReadFile(e.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), scrypt)
	if err != nil {
		return nil, fmt.Errorf("unsealing private key: %w", err)
	}
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("private key file %s holds no identity", e.keys.Private)
	}
	return &ageSession{identities: identities}, nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.keys.Public, e.keys.Private} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

type ageSession struct {
	identities []age.Identity
}

func (s *ageSession) Decrypt(r io.Reader, w io.Writer) error {
	dr, err := age.Decrypt(r, s.identities...)
	if err != nil {
		return fmt.Errorf("opening encrypted archive: %w", err)
	}
	if _, err := io.Copy(w, dr); err != nil {
		return fmt.Errorf("decrypting archive: %w", err)
	}
	return nil
}

// New returns the encryptor for kind: "age" (default) or "test".
func New(kind string, keys KeyPaths) (ckpt.Encryptor, error) {
	switch kind {
	case "", "age":
		return NewAgeEncryptor(keys), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type %q", kind)
	}
}
