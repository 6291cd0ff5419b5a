// Package fragment encodes and decodes the URL fragment (C7): the sole
// interop contract between the CLI and the browser frontend, and the only
// place key material travels outside this process.
package fragment

import (
	"encoding/base64"
	"strings"

	"github.com/edward-shen/omegaupload/pkg/crypto"
	"github.com/pkg/errors"
)

const (
	passwordPrefix = "key:"
	passwordSuffix = "!pw"
)

var ErrMalformedFragment = errors.New("fragment does not match either supported shape")

// Encode renders material as the literal fragment text, without the leading
// "#" (callers append that when building the full URL).
func Encode(material crypto.FragmentMaterial) string {
	if material.IsPassword() {
		return passwordPrefix + base64.RawURLEncoding.EncodeToString(material.Salt) + passwordSuffix
	}
	return base64.RawURLEncoding.EncodeToString(material.RandomKey)
}

// Decode parses fragment text (again without the leading "#") back into
// FragmentMaterial, rejecting anything that isn't exactly one of the two
// documented shapes.
func Decode(s string) (crypto.FragmentMaterial, error) {
	if strings.HasPrefix(s, passwordPrefix) && strings.HasSuffix(s, passwordSuffix) {
		encoded := strings.TrimSuffix(strings.TrimPrefix(s, passwordPrefix), passwordSuffix)
		salt, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return crypto.FragmentMaterial{}, errors.Wrap(ErrMalformedFragment, err.Error())
		}
		if len(salt) != 16 {
			return crypto.FragmentMaterial{}, errors.Wrap(ErrMalformedFragment, "salt wrong length")
		}
		return crypto.FragmentMaterial{Salt: salt}, nil
	}

	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return crypto.FragmentMaterial{}, errors.Wrap(ErrMalformedFragment, err.Error())
	}
	if len(key) != 32 {
		return crypto.FragmentMaterial{}, errors.Wrap(ErrMalformedFragment, "key wrong length")
	}
	return crypto.FragmentMaterial{RandomKey: key}, nil
}
