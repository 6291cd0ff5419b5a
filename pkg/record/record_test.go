package record

import (
	"bytes"
	"testing"
	"time"

	"github.com/edward-shen/omegaupload/pkg/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	deadline := time.Unix(1_900_000_000, 123_000_000).UTC()
	cases := []*domain.Paste{
		{Ciphertext: []byte("hello"), Expiration: domain.Expiration{Kind: domain.BurnAfterReading}},
		{Ciphertext: []byte{}, Expiration: domain.Expiration{Kind: domain.BurnAfterReadingWithDeadline, Deadline: deadline}, RequiresPassword: true},
		{Ciphertext: bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 100), Expiration: domain.Expiration{Kind: domain.UnixTime, Deadline: deadline}},
	}

	for i, want := range cases {
		enc := Encode(want)
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		if !bytes.Equal(got.Ciphertext, want.Ciphertext) {
			t.Errorf("case %d: ciphertext mismatch", i)
		}
		if got.Expiration.Kind != want.Expiration.Kind {
			t.Errorf("case %d: kind mismatch", i)
		}
		if got.RequiresPassword != want.RequiresPassword {
			t.Errorf("case %d: requires password mismatch", i)
		}
		if want.Expiration.HasDeadline() && !got.Expiration.Deadline.Equal(want.Expiration.Deadline) {
			t.Errorf("case %d: deadline mismatch: got %v want %v", i, got.Expiration.Deadline, want.Expiration.Deadline)
		}
	}
}

func TestDecodeHeaderWithoutBody(t *testing.T) {
	p := &domain.Paste{Ciphertext: bytes.Repeat([]byte{1}, 4096), Expiration: domain.Expiration{Kind: domain.UnixTime, Deadline: time.Now().UTC()}}
	enc := Encode(p)
	hdr, err := DecodeHeader(enc[:headerLen])
	if err != nil {
		t.Fatalf("DecodeHeader on header-only slice: %v", err)
	}
	if int(hdr.BodyLen) != len(enc)-headerLen {
		t.Errorf("BodyLen = %d, want %d", hdr.BodyLen, len(enc)-headerLen)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	enc := Encode(&domain.Paste{Ciphertext: []byte("abcdef")})
	if _, err := Decode(enc[:len(enc)-1]); err == nil {
		t.Fatal("expected error for truncated record")
	}
	if _, err := Decode(enc[:3]); err == nil {
		t.Fatal("expected error for record shorter than header")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	enc := Encode(&domain.Paste{Ciphertext: []byte("x")})
	enc[0] = 0xff
	if _, err := Decode(enc); err == nil {
		t.Fatal("expected error for unknown policy tag")
	}
}
