package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// Err is the wire-facing error kind from the error handling design: every
// handler response maps a cause to exactly one of these via Status/ToResp.
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

var (
	ErrMalformedRequest  = NewErr("MALFORMED_REQUEST", "malformed request", http.StatusBadRequest)
	ErrNotFound          = NewErr("NOT_FOUND", "not found", http.StatusNotFound)
	ErrPasswordRequired  = NewErr("PASSWORD_REQUIRED", "password required", 498)
	ErrInternal          = NewErr("INTERNAL", "internal error", http.StatusInternalServerError)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrAllocationFailed  = NewErr("ALLOCATION_FAILED", "id allocation exhausted", http.StatusInternalServerError)
	ErrCorruptRecord     = NewErr("CORRUPT_RECORD", "stored record is corrupt", http.StatusInternalServerError)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrExpirationTooFar  = NewErr("EXPIRATION_TOO_FAR", "expiration exceeds the configured maximum", http.StatusBadRequest)
)

// ErrCollision names the id-collision outcome. Store.PutIfAbsent reports a
// collision through its bool result rather than this error; it is not one
// of the four wire kinds above because C3 retries on it internally and it
// never reaches C6.
var ErrCollision = errors.New("id already present")

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternal.Code, Msg: ErrInternal.Msg}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
