package secure

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	sealed, err := enc.Encrypt("ghs_secrettoken")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(sealed, "ghs_secrettoken") {
		t.Fatal("ciphertext contains plaintext")
	}

	plain, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "ghs_secrettoken" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
}

func TestNewEncryptorRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptor("not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64 key")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := NewEncryptor(short); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey())
	sealed, _ := enc.Encrypt("payload")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected authentication failure")
	}
}
