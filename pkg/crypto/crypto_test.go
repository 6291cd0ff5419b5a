package crypto

import (
	"bytes"
	"testing"
)

func TestRandomKeyRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, material, err := Encrypt(plaintext, Secret{})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if material.IsPassword() {
		t.Fatal("expected non-password fragment material")
	}
	got, err := Decrypt(ciphertext, material, "")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	plaintext := []byte("sensitive payload")
	ciphertext, material, err := Encrypt(plaintext, Secret{Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !material.IsPassword() {
		t.Fatal("expected password fragment material")
	}
	got, err := Decrypt(ciphertext, material, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptMissingPassword(t *testing.T) {
	ciphertext, material, err := Encrypt([]byte("x"), Secret{Password: "hunter2"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, material, ""); err != ErrMissingPassword {
		t.Fatalf("Decrypt without password: got %v, want ErrMissingPassword", err)
	}
}

func TestDecryptWrongPasswordFailsIntegrity(t *testing.T) {
	ciphertext, material, err := Encrypt([]byte("x"), Secret{Password: "hunter2"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, material, "wrong-password"); err != ErrIntegrityFailure {
		t.Fatalf("Decrypt with wrong password: got %v, want ErrIntegrityFailure", err)
	}
}

func TestDecryptTamperedCiphertextFailsIntegrity(t *testing.T) {
	ciphertext, material, err := Encrypt([]byte("tamper me"), Secret{})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := Decrypt(tampered, material, ""); err != ErrIntegrityFailure {
		t.Fatalf("Decrypt tampered: got %v, want ErrIntegrityFailure", err)
	}
}

func TestDecryptMalformedCiphertextTooShort(t *testing.T) {
	_, material, err := Encrypt([]byte("x"), Secret{})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt([]byte{1, 2, 3}, material, ""); err != ErrMalformedCiphertext {
		t.Fatalf("Decrypt too-short ciphertext: got %v, want ErrMalformedCiphertext", err)
	}
}

// TestNFCNormalizationProducesSameKey checks that a precomposed codepoint
// and its decomposed (base + combining mark) equivalent derive the same
// key, since they render identically but differ byte-for-byte.
func TestNFCNormalizationProducesSameKey(t *testing.T) {
	precomposed := "café"
	decomposed := "café"
	ciphertext, material, err := Encrypt([]byte("payload"), Secret{Password: precomposed})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, material, decomposed); err != nil {
		t.Fatalf("Decrypt with decomposed-equivalent password: %v", err)
	}
}
