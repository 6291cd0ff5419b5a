package store

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/edward-shen/omegaupload/pkg/kms"
)

// envelope implements C9's on-disk framing. With adapter == nil (KMS_PROVIDER
// unset/none), seal and open are both identity transforms and the bytes
// physically written are exactly the C2 encoding, matching the bare spec.
type envelope struct {
	adapter  *kms.Adapter
	kekCache *kms.KEKCache
}

func newEnvelope(adapter *kms.Adapter, kekCache *kms.KEKCache) *envelope {
	return &envelope{adapter: adapter, kekCache: kekCache}
}

func (e *envelope) enabled() bool { return e.adapter != nil }

// seal produces wrapped_dek_len(2) || wrapped_dek || nonce(24) || AEAD(plaintext).
func (e *envelope) seal(plaintext []byte) ([]byte, error) {
	if !e.enabled() {
		return plaintext, nil
	}
	dek, err := kms.GenerateDEK()
	if err != nil {
		return nil, errors.Wrap(err, "generate dek")
	}
	wrappedDEK, err := kms.EncryptDEKWithKMS(context.Background(), e.adapter, dek)
	if err != nil {
		return nil, errors.Wrap(err, "wrap dek")
	}
	if len(wrappedDEK) > 0xffff {
		return nil, errors.New("wrapped dek exceeds 65535 bytes")
	}
	sealed, err := kms.AEADSeal(plaintext, dek)
	if err != nil {
		return nil, errors.Wrap(err, "seal record body")
	}

	out := make([]byte, 2+len(wrappedDEK)+len(sealed))
	binary.BigEndian.PutUint16(out[:2], uint16(len(wrappedDEK)))
	copy(out[2:], wrappedDEK)
	copy(out[2+len(wrappedDEK):], sealed)
	return out, nil
}

func (e *envelope) open(sealed []byte) ([]byte, error) {
	if !e.enabled() {
		return sealed, nil
	}
	if len(sealed) < 2 {
		return nil, errors.New("sealed record shorter than envelope header")
	}
	wrappedLen := int(binary.BigEndian.Uint16(sealed[:2]))
	if len(sealed) < 2+wrappedLen {
		return nil, errors.New("sealed record shorter than declared wrapped dek")
	}
	wrappedDEK := sealed[2 : 2+wrappedLen]
	body := sealed[2+wrappedLen:]

	var (
		dek []byte
		err error
	)
	if e.kekCache != nil {
		dek, err = e.kekCache.DecryptDEK(context.Background(), wrappedDEK)
	} else {
		dek, err = kms.DecryptDEKWithKMS(context.Background(), e.adapter, wrappedDEK)
	}
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	return kms.AEADOpen(body, dek)
}
