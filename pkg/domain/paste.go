// Package domain holds the wire-facing types shared by the store, the
// reaper and the HTTP surface: the paste record and its expiration policy.
package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies one of the three expiration policy variants.
type Kind uint8

const (
	BurnAfterReading Kind = iota
	BurnAfterReadingWithDeadline
	UnixTime
)

// Expiration is a paste's delivery policy. Deadline is the zero Time for
// BurnAfterReading, which has none.
type Expiration struct {
	Kind     Kind
	Deadline time.Time
}

// DefaultExpiration is used when the client omits the Expiration header.
func DefaultExpiration(defaultTTL time.Duration) Expiration {
	return Expiration{Kind: UnixTime, Deadline: time.Now().Add(defaultTTL)}
}

// IsBurn reports whether the record is destroyed on first successful read.
func (e Expiration) IsBurn() bool {
	return e.Kind == BurnAfterReading || e.Kind == BurnAfterReadingWithDeadline
}

// HasDeadline reports whether e carries an absolute instant at all.
func (e Expiration) HasDeadline() bool {
	return e.Kind != BurnAfterReading
}

// Expired reports whether a time-bounded expiration's deadline has passed.
// BurnAfterReading (no deadline) is never "expired" by time; it is only
// destroyed by being read.
func (e Expiration) Expired(now time.Time) bool {
	if !e.HasDeadline() {
		return false
	}
	return !now.Before(e.Deadline)
}

// String renders the Expiration header form: the literal
// "burn-after-reading", "burn-after-reading=<RFC3339>", or "<RFC3339>". This
// is the same shape used for both the request header and the response echo.
func (e Expiration) String() string {
	switch e.Kind {
	case BurnAfterReading:
		return "burn-after-reading"
	case BurnAfterReadingWithDeadline:
		return "burn-after-reading=" + e.Deadline.UTC().Format(time.RFC3339)
	default:
		return e.Deadline.UTC().Format(time.RFC3339)
	}
}

// ParseExpiration parses the Expiration request header per the wire
// protocol's three literal forms. An empty string is not valid input here;
// callers substitute DefaultExpiration for an absent header.
func ParseExpiration(s string) (Expiration, error) {
	switch {
	case s == "burn-after-reading":
		return Expiration{Kind: BurnAfterReading}, nil
	case strings.HasPrefix(s, "burn-after-reading="):
		ts := strings.TrimPrefix(s, "burn-after-reading=")
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Expiration{}, errors.Wrap(err, "parse burn-after-reading deadline")
		}
		return Expiration{Kind: BurnAfterReadingWithDeadline, Deadline: t}, nil
	default:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Expiration{}, errors.Wrap(err, "parse unix-time expiration")
		}
		return Expiration{Kind: UnixTime, Deadline: t}, nil
	}
}

// Paste is the decoded paste record: opaque ciphertext plus policy. It is
// the in-memory counterpart of the on-disk layout encoded by pkg/record.
type Paste struct {
	Ciphertext       []byte
	Expiration       Expiration
	RequiresPassword bool
}
