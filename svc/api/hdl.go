// Package api implements the HTTP wire protocol (C6): PUT/GET/DELETE on
// opaque ciphertext, plus health, readiness and metrics endpoints.
package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/edward-shen/omegaupload/cfg"
	"github.com/edward-shen/omegaupload/pkg/domain"
	"github.com/edward-shen/omegaupload/svc/svc"
	"github.com/edward-shen/omegaupload/svc/util"
)

// statusPasswordRequired is the custom 498 status §6 assigns to "client must
// derive the key before this ciphertext is usable" — net/http has no
// constant for it.
const statusPasswordRequired = 498

// Hdl holds the paste handlers' dependencies. It never sees plaintext: the
// body it reads and writes is the client-encrypted envelope from §3.
type Hdl struct {
	paste *svc.Service
	cfg   *cfg.Cfg
}

// Upload implements PUT /{id?}. Any path identifier is accepted but
// ignored: the server always allocates its own id (§6), never trusting a
// client-supplied one.
func (h *Hdl) Upload(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPasteSize+1)
	ciphertext, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		writeErr(w, domain.ErrMalformedRequest, requestID)
		return
	}
	if len(ciphertext) == 0 {
		writeErr(w, domain.ErrMalformedRequest, requestID)
		return
	}
	if int64(len(ciphertext)) > h.cfg.MaxPasteSize {
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}

	expiration := domain.DefaultExpiration(h.cfg.DefaultExpiration)
	if raw := r.Header.Get("Expiration"); raw != "" {
		expiration, err = domain.ParseExpiration(raw)
		if err != nil {
			writeErr(w, domain.ErrMalformedRequest, requestID)
			return
		}
	}
	requiresPassword := strings.EqualFold(r.Header.Get("Requires-Password"), "true")

	id, err := h.paste.Create(r.Context(), ciphertext, expiration, requiresPassword)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, id)
}

// Fetch implements GET /{id}. Burn variants are consumed atomically inside
// svc.Service.Get; a concurrent second fetch of the same id observes 404.
func (h *Hdl) Fetch(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	paste, err := h.paste.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	w.Header().Set("Expiration", paste.Expiration.String())
	w.Header().Set("Content-Type", "application/octet-stream")

	if paste.RequiresPassword {
		w.WriteHeader(statusPasswordRequired)
		_, _ = w.Write(paste.Ciphertext)
		return
	}

	if paste.Expiration.HasDeadline() {
		w.Header().Set("Expires", paste.Expiration.Deadline.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(paste.Ciphertext)
}

// Delete implements DELETE /{id}: unconditional, idempotent. Authorization
// (when ADMIN_TOKEN_HASH is configured) is enforced by Mw.AdminAuth before
// this handler runs.
func (h *Hdl) Delete(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.paste.Delete(r.Context(), id); err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	util.Debug().Err(err).Str("request_id", requestID).Int("status", status).Msg("request failed")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, domain.ToResp(err).Error.Msg)
}
