package encryption

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func newAge(t *testing.T) *AgeEncryptor {
	t.Helper()
	dir := t.TempDir()
	return NewAgeEncryptor(KeyPaths{
		Public:  filepath.Join(dir, "keys", "archive.pub"),
		Private: filepath.Join(dir, "keys", "archive.key"),
	})
}

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	e := newAge(t)
	if e.IsConfigured() {
		t.Fatal("IsConfigured() = true before Setup")
	}
	if err := e.Setup("correct horse"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Fatal("IsConfigured() = false after Setup")
	}

	plain := bytes.Repeat([]byte("checkpoint archive "), 4096)
	var sealed bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(plain), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(sealed.Bytes(), []byte("checkpoint archive")) {
		t.Error("ciphertext contains plaintext")
	}

	session, err := e.Unlock("correct horse")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var out bytes.Buffer
	if err := session.Decrypt(&sealed, &out); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), plain) {
		t.Error("decrypted content differs from plaintext")
	}
}

func TestAgeEncryptor_WrongPassphrase(t *testing.T) {
	t.Parallel()
	e := newAge(t)
	if err := e.Setup("right"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("wrong"); err == nil {
		t.Error("Unlock() with wrong passphrase succeeded")
	}
}

func TestAgeEncryptor_SetupRefusesOverwrite(t *testing.T) {
	t.Parallel()
	e := newAge(t)
	if err := e.Setup("one"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := e.Setup("two"); !errors.Is(err, ErrKeysExist) {
		t.Errorf("second Setup() error = %v, want ErrKeysExist", err)
	}
}

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	var sealed bytes.Buffer
	if err := e.Encrypt(bytes.NewReader([]byte("data")), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(sealed.Bytes(), []byte("data")) {
		t.Error("output equals input")
	}
	session, err := e.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var out bytes.Buffer
	if err := session.Decrypt(&sealed, &out); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if out.String() != "data" {
		t.Errorf("Decrypt() = %q, want data", out.String())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{"age", false},
		{"test", false},
		{"rot13", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			_, err := New(tt.kind, KeyPaths{})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
		})
	}
}
