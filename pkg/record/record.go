// Package record implements the on-disk encoding of a paste (C2): a
// compact, length-prefixed binary layout with the policy header placed
// before the body so the reaper can decode just the header without
// touching potentially large body bytes.
package record

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"time"

	"github.com/edward-shen/omegaupload/pkg/domain"
	"github.com/pkg/errors"
)

// Layout:
//
//	byte 0      policy tag (0=BurnAfterReading, 1=BurnAfterReadingWithDeadline, 2=UnixTime)
//	bytes 1..8  deadline, unix nanoseconds, big-endian (absent/zero for tag 0)
//	byte 9      requires_password (0 or 1)
//	byte 10     body compressed (0 or 1)
//	bytes 11..14 body length, uint32 big-endian (length of the bytes that follow, compressed or not)
//	bytes 15..  body
const headerLen = 1 + 8 + 1 + 1 + 4

var ErrCorrupt = errors.New("corrupt paste record")

// Encode serializes a paste into its on-disk byte string. The body is
// stored flate-compressed when that's actually smaller; ciphertext is
// high-entropy AEAD output so this rarely helps, but cheap to attempt and
// free when it doesn't (§4.4's compression guidance).
func Encode(p *domain.Paste) []byte {
	body := p.Ciphertext
	compressed := false
	if packed, ok := tryCompress(p.Ciphertext); ok {
		body = packed
		compressed = true
	}

	buf := make([]byte, headerLen+len(body))
	buf[0] = byte(p.Expiration.Kind)
	if p.Expiration.HasDeadline() {
		binary.BigEndian.PutUint64(buf[1:9], uint64(p.Expiration.Deadline.UnixNano()))
	}
	if p.RequiresPassword {
		buf[9] = 1
	}
	if compressed {
		buf[10] = 1
	}
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	copy(buf[headerLen:], body)
	return buf
}

func tryCompress(body []byte) ([]byte, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}

// Header is the subset of a record decodable without reading the body:
// exactly what the reaper (§4.5) needs per tick.
type Header struct {
	Expiration       domain.Expiration
	RequiresPassword bool
	Compressed       bool
	BodyLen          uint32
}

// DecodeHeader reads just the fixed-size prefix, per §4.2's requirement that
// the reaper be able to decode the policy without reading body_bytes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, errors.Wrap(ErrCorrupt, "record shorter than header")
	}
	tag := domain.Kind(b[0])
	if tag > domain.UnixTime {
		return Header{}, errors.Wrap(ErrCorrupt, "unknown policy tag")
	}
	var exp domain.Expiration
	exp.Kind = tag
	if tag != domain.BurnAfterReading {
		nanos := binary.BigEndian.Uint64(b[1:9])
		exp.Deadline = time.Unix(0, int64(nanos)).UTC()
	}
	return Header{
		Expiration:       exp,
		RequiresPassword: b[9] == 1,
		Compressed:       b[10] == 1,
		BodyLen:          binary.BigEndian.Uint32(b[11:15]),
	}, nil
}

// Decode deserializes a full record, validating that the declared body
// length matches what is actually present. Malformed input fails loudly
// per §4.2 rather than being treated as absent.
func Decode(b []byte) (*domain.Paste, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	body := b[headerLen:]
	if uint32(len(body)) != hdr.BodyLen {
		return nil, errors.Wrap(ErrCorrupt, "body length mismatch")
	}

	ciphertext := body
	if hdr.Compressed {
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(ErrCorrupt, "decompress body: "+err.Error())
		}
		ciphertext = decompressed
	} else {
		ciphertext = append([]byte(nil), body...)
	}

	return &domain.Paste{
		Ciphertext:       ciphertext,
		Expiration:       hdr.Expiration,
		RequiresPassword: hdr.RequiresPassword,
	}, nil
}
