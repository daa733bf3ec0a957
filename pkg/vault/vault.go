package vault

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Vault encrypts and decrypts connection secrets at rest using an X25519
// identity persisted to a key file. The key is generated once, transparently,
// on first startup. A key file that exists but cannot be parsed is a startup
// error: without it, no stored credential can ever be decrypted again.
type Vault struct {
	identity *age.X25519Identity
}

// Open loads the vault key from keyPath, generating and persisting a new key
// when the file does not exist yet.
func Open(keyPath string) (*Vault, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read vault key: %w", err)
		}
		return generate(keyPath)
	}

	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("vault key at %s is corrupted: %w", keyPath, err)
	}

	return &Vault{identity: identity}, nil
}

func generate(keyPath string) (*Vault, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create vault key directory: %w", err)
	}

	if err := os.WriteFile(keyPath, []byte(identity.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write vault key: %w", err)
	}

	return &Vault{identity: identity}, nil
}

// Encrypt returns the base64-encoded age ciphertext of secret.
func (v *Vault) Encrypt(secret string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("create encrypted writer: %w", err)
	}

	if _, err := io.WriteString(w, secret); err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt. The plaintext is returned to the caller only and
// is never logged.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted secret: %w", err)
	}

	return string(plaintext), nil
}
