package userdata

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// EncryptedPrefix marks columns whose values are Fernet tokens. Everything
// else is stored in the clear.
const EncryptedPrefix = "encrypted__"

// fieldCipher encrypts and decrypts encrypted__ column values for one user.
// The key is derived from the user id alone, so a user's data survives a
// lost server key store but is only as private as the id namespace.
type fieldCipher struct {
	key *fernet.Key
}

// newFieldCipher derives the per-user key:
// base64url(SHA-256("userdata_encryption_" + user_id)).
func newFieldCipher(userID string) (*fieldCipher, error) {
	sum := sha256.Sum256([]byte("userdata_encryption_" + userID))
	encoded := base64.URLEncoding.EncodeToString(sum[:])
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("userdata: derive key: %w", err)
	}
	return &fieldCipher{key: key}, nil
}

// Encrypt produces a Fernet token for value.
func (c *fieldCipher) Encrypt(value string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(value), c.key)
	if err != nil {
		return "", fmt.Errorf("userdata: encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. When stored is not a valid token it is returned
// as-is with plaintext=true: rows written before encryption was introduced
// decrypt to themselves. Callers that require ciphertext must check the
// flag.
func (c *fieldCipher) Decrypt(stored string) (value string, plaintext bool) {
	msg := fernet.VerifyAndDecrypt([]byte(stored), 0, []*fernet.Key{c.key})
	if msg == nil {
		return stored, true
	}
	return string(msg), false
}

// IsEncryptedColumn reports whether a column name carries the encrypted
// prefix.
func IsEncryptedColumn(name string) bool {
	return strings.HasPrefix(name, EncryptedPrefix)
}
