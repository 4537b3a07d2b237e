package secrets

import (
	"strings"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec("unit-test-secret", "unit-test-salt")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestNewCodec_EmptySecret(t *testing.T) {
	if _, err := NewCodec("", "salt"); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := NewCodec("   ", "salt"); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	for _, plain := range []string{
		"00Dxx0000001gPFEAY",
		"refresh-token-with-specials-!@#$%^&*():",
		strings.Repeat("x", 4096),
		"短いトークン",
	} {
		enc, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if !strings.HasPrefix(enc, "v1:") {
			t.Fatalf("missing version marker: %q", enc)
		}
		if strings.Contains(enc, plain) {
			t.Fatalf("ciphertext leaks plaintext")
		}
		got, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip mismatch: got %q want %q", got, plain)
		}
	}
}

func TestEncrypt_EmptyStringPassthrough(t *testing.T) {
	c := newTestCodec(t)
	enc, err := c.Encrypt("")
	if err != nil || enc != "" {
		t.Fatalf("Encrypt(\"\") = %q, %v; want \"\", nil", enc, err)
	}
}

func TestEncrypt_NoncesDiffer(t *testing.T) {
	c := newTestCodec(t)
	a, _ := c.Encrypt("same-input")
	b, _ := c.Encrypt("same-input")
	if a == b {
		t.Fatalf("two encryptions produced identical output")
	}
}

func TestDecrypt_LegacyPlaintextUnchanged(t *testing.T) {
	c := newTestCodec(t)
	for _, legacy := range []string{
		"plain-old-token",
		"",
		"v2:not-our-marker",
		"has:colons:but:no:marker",
	} {
		got, err := c.Decrypt(legacy)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", legacy, err)
		}
		if got != legacy {
			t.Fatalf("legacy value changed: got %q want %q", got, legacy)
		}
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	c := newTestCodec(t)
	for _, bad := range []string{
		"v1:",
		"v1:only-one-part",
		"v1:!!!notb64:!!!notb64",
	} {
		if _, err := c.Decrypt(bad); err == nil {
			t.Fatalf("Decrypt(%q): expected error", bad)
		}
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	c := newTestCodec(t)
	enc, err := c.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Flip a character in the ciphertext segment.
	tampered := enc[:len(enc)-2] + "AA"
	if _, err := c.Decrypt(tampered); err == nil {
		t.Fatalf("expected authentication failure for tampered ciphertext")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a := newTestCodec(t)
	b, err := NewCodec("different-secret", "unit-test-salt")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	enc, _ := a.Encrypt("token")
	if _, err := b.Decrypt(enc); err == nil {
		t.Fatalf("expected failure decrypting under a different key")
	}
}
