// Package id implements the identifier allocator (C3): 12-character paste
// ids sampled uniformly from a 62-character URL-safe alphabet.
package id

import (
	"crypto/rand"
	"math/big"

	"github.com/edward-shen/omegaupload/pkg/domain"
	"github.com/pkg/errors"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	Length   = 12
	// maxAttempts bounds retries against Putter.PutIfAbsent on collision.
	// At 62^12 possible ids, a collision under a correctly seeded CSPRNG is
	// vanishingly unlikely; this only guards against RNG misconfiguration.
	maxAttempts = 8
)

// Putter is the subset of the store's contract the allocator needs: a
// conditional insert that reports whether id was already present.
type Putter interface {
	PutIfAbsent(id string, recordBytes []byte) (collision bool, err error)
}

// Generate samples a fresh 12-character id.
func Generate() (string, error) {
	out := make([]byte, Length)
	alphabetLen := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", errors.Wrap(err, "sample id character")
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Allocate generates ids and retries on collision against store, returning
// the first id that was successfully inserted with recordBytes.
func Allocate(store Putter, recordBytes []byte) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := Generate()
		if err != nil {
			return "", err
		}
		collision, err := store.PutIfAbsent(candidate, recordBytes)
		if err != nil {
			return "", errors.Wrap(err, "put candidate id")
		}
		if !collision {
			return candidate, nil
		}
	}
	return "", domain.ErrAllocationFailed
}
