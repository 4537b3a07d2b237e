// Package secrets provides symmetric authenticated encryption for stored CRM
// tokens. The key is derived with PBKDF2-SHA256 from a dedicated server-held
// secret and an application salt, both supplied by configuration so the key
// can be rotated independently of every other credential.
//
// Wire format (self-describing, colon-delimited):
//
//	v1:<base64 nonce>:<base64 ciphertext>
//
// Decrypt passes any value that does not carry the "v1" marker through
// unchanged, so pre-encryption rows keep working after the format was
// introduced.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	versionMarker = "v1"
	keyLen        = 32 // AES-256
	kdfIterations = 120_000
)

// Errors returned by Decrypt for values that carry the version marker but
// cannot be opened.
var (
	ErrMalformed = errors.New("secrets: malformed ciphertext")
	ErrDecrypt   = errors.New("secrets: decryption failed")
)

// Codec encrypts and decrypts token strings with a derived AES-256-GCM key.
// It is safe for concurrent use.
type Codec struct {
	key []byte
}

// NewCodec derives the encryption key from secret and salt. An empty secret
// is rejected; the salt is fixed per application and only changes on a
// deliberate re-key.
func NewCodec(secret, salt string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("secrets: empty secret")
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, keyLen, sha256.New)
	return &Codec{key: key}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// versioned triplet. Encrypting the empty string returns it unchanged: there
// is nothing to protect and callers treat "" as absent.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return versionMarker + ":" +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt. Values without the version
// marker are returned unchanged (legacy plaintext passthrough).
func (c *Codec) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, versionMarker+":") {
		return value, nil
	}
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrMalformed
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
