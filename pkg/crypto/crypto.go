// Package crypto implements the client-side envelope (C1): the only place
// in the system that ever sees plaintext. A server operator reading the
// store or the wire never has enough material to reach this package's
// output back to plaintext; that material lives solely in the URL fragment.
package crypto

import (
	"crypto/rand"

	"github.com/edward-shen/omegaupload/svc/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/text/unicode/norm"
)

const (
	keySize  = 32
	saltSize = 16
	// argon2Time/Memory/Threads are fixed, not configurable: every client
	// must derive the same key from the same password and salt.
	argon2Time    = 2
	argon2Memory  = 15 * 1024 // KiB
	argon2Threads = 2
)

var (
	ErrIntegrityFailure    = errors.New("ciphertext failed authentication")
	ErrMissingPassword     = errors.New("password required but not supplied")
	ErrMalformedCiphertext = errors.New("ciphertext shorter than the AEAD nonce")
)

// Key is key material that zeroes itself on Wipe. Never log or serialize it.
type Key struct {
	b []byte
}

func (k *Key) Wipe() {
	if k == nil {
		return
	}
	util.Wipe(k.b)
}

// Secret is the client's chosen key source for Encrypt.
type Secret struct {
	// Password is empty for RandomKey secrets.
	Password string
}

// FragmentMaterial is what Encrypt returns for embedding in the URL
// fragment: either the raw key (RandomKey) or the salt (Password) — never
// the derived key in the password case.
type FragmentMaterial struct {
	RandomKey []byte // 32 bytes, set iff Salt is nil
	Salt      []byte // 16 bytes, set iff a password was used
}

func (f FragmentMaterial) IsPassword() bool { return f.Salt != nil }

// Encrypt seals plaintext under a fresh key (or a password-derived one) with
// XChaCha20-Poly1305, returning the ciphertext and the material the caller
// must place in the URL fragment to make it recoverable.
func Encrypt(plaintext []byte, secret Secret) ([]byte, FragmentMaterial, error) {
	var key Key
	var material FragmentMaterial
	if secret.Password == "" {
		key.b = make([]byte, keySize)
		if _, err := rand.Read(key.b); err != nil {
			return nil, FragmentMaterial{}, errors.Wrap(err, "generate random key")
		}
		material.RandomKey = append([]byte(nil), key.b...)
	} else {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, FragmentMaterial{}, errors.Wrap(err, "generate salt")
		}
		key.b = deriveKey(secret.Password, salt)
		material.Salt = salt
	}
	defer key.Wipe()

	aead, err := chacha20poly1305.NewX(key.b)
	if err != nil {
		return nil, FragmentMaterial{}, errors.Wrap(err, "construct aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, FragmentMaterial{}, errors.Wrap(err, "generate nonce")
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, material, nil
}

// Decrypt reverses Encrypt. password must be supplied iff material carries a
// salt; it is normalized to NFC before key derivation so that visually
// identical passwords typed on different platforms derive the same key.
func Decrypt(ciphertext []byte, material FragmentMaterial, password string) ([]byte, error) {
	var key Key
	if material.IsPassword() {
		if password == "" {
			return nil, ErrMissingPassword
		}
		key.b = deriveKey(password, material.Salt)
	} else {
		if len(material.RandomKey) != keySize {
			return nil, errors.Wrap(ErrMalformedCiphertext, "fragment key material wrong size")
		}
		key.b = append([]byte(nil), material.RandomKey...)
	}
	defer key.Wipe()

	aead, err := chacha20poly1305.NewX(key.b)
	if err != nil {
		return nil, errors.Wrap(err, "construct aead")
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrMalformedCiphertext
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	return plaintext, nil
}

func deriveKey(password string, salt []byte) []byte {
	normalized := norm.NFC.String(password)
	return argon2.IDKey([]byte(normalized), salt, argon2Time, argon2Memory, argon2Threads, keySize)
}
