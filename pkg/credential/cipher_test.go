package credential

import (
	"bytes"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("k1", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := []byte(`{"kind":"oauth2","access_token":"secret"}`)
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("secret")) {
		t.Error("ciphertext must not contain plaintext")
	}

	decrypted, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewCipher("k1", "abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestCipherRejectsTruncatedCiphertext(t *testing.T) {
	c, _ := NewCipher("k1", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}
