// Package test exercises the full HTTP surface (C6) end to end: upload,
// fetch, delete, and the wire-level edge cases that only show up once the
// store, service and handlers are wired together.
package test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/edward-shen/omegaupload/cfg"
	"github.com/edward-shen/omegaupload/pkg/store"
	"github.com/edward-shen/omegaupload/svc/api"
	"github.com/edward-shen/omegaupload/svc/auth"
	"github.com/edward-shen/omegaupload/svc/lim"
	"github.com/edward-shen/omegaupload/svc/svc"
)

const (
	adminTokenForTest  = "operator-secret-token"
	adminPepperForTest = "0123456789abcdef0123456789abcdef"
)

// adminHashForTest is the Argon2id-encoded hash of adminTokenForTest under
// adminPepperForTest, computed once via the same Hasher the server uses.
var adminHashForTest = computeAdminHashForTest()

func computeAdminHashForTest() string {
	h, err := auth.NewHasher(1, 8*1024, 1, []byte(adminPepperForTest))
	if err != nil {
		panic(err)
	}
	if err := h.Start(1); err != nil {
		panic(err)
	}
	defer h.Stop()
	encoded, err := h.Hash(adminTokenForTest)
	if err != nil {
		panic(err)
	}
	return encoded
}

func newTestServer(t *testing.T, adminTokenHash string, adminTokenPepper string) (*api.Server, func()) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), nil, nil, 16)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	c := &cfg.Cfg{
		Port:                  "0",
		MaxPasteSize:          1024 * 1024,
		DefaultExpiration:     6 * time.Hour,
		MaxExplicitExpiration: 24 * time.Hour,
		ContextTimeout:        5 * time.Second,
		RateLimit:             cfg.RateLimitCfg{RPM: 100000, Burst: 100000, ConservativeLimit: 100000},
		AdminTokenHash:        adminTokenHash,
		AdminTokenPepper:      cfg.NewSecret(adminTokenPepper),
	}

	pasteSvc := svc.New(st, nil, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)

	var adminAuth *auth.Hasher
	if adminTokenHash != "" {
		adminAuth, err = auth.NewHasher(1, 8*1024, 1, []byte(adminTokenPepper))
		if err != nil {
			t.Fatalf("new admin hasher: %v", err)
		}
		if err := adminAuth.Start(1); err != nil {
			t.Fatalf("start admin hasher: %v", err)
		}
	}

	srv := api.NewServer(c, pasteSvc, limiter, nil, adminAuth)

	cleanup := func() {
		if adminAuth != nil {
			adminAuth.Stop()
		}
		limiter.Stop()
		pasteSvc.Shutdown()
		st.Close()
	}
	return srv, cleanup
}

func upload(t *testing.T, srv *api.Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func fetch(t *testing.T, srv *api.Server, id string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/"+id, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func del(t *testing.T, srv *api.Server, id string, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, "/"+id, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestUploadFetchRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	ciphertext := []byte("opaque-ciphertext-bytes")
	rec := upload(t, srv, ciphertext, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	id := rec.Body.String()
	if len(id) != 12 {
		t.Fatalf("id = %q, want 12 chars", id)
	}

	getRec := fetch(t, srv, id)
	if getRec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d", getRec.Code)
	}
	got, _ := io.ReadAll(getRec.Body)
	if !bytes.Equal(got, ciphertext) {
		t.Fatalf("fetched ciphertext mismatch: got %q want %q", got, ciphertext)
	}
	if getRec.Header().Get("Expiration") == "" {
		t.Error("missing Expiration header on fetch")
	}

	// a second fetch still succeeds: not a burn record.
	getRec2 := fetch(t, srv, id)
	if getRec2.Code != http.StatusOK {
		t.Fatalf("second fetch status = %d, want 200 for non-burn paste", getRec2.Code)
	}
}

func TestUploadEmptyBodyRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	rec := upload(t, srv, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty body", rec.Code)
	}
}

func TestUploadTooLargeRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	oversized := bytes.Repeat([]byte("x"), 2*1024*1024)
	rec := upload(t, srv, oversized, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413 for oversized body", rec.Code)
	}
}

func TestFetchUnknownIDReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	rec := fetch(t, srv, "nosuchpaste1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown id", rec.Code)
	}
}

func TestBurnAfterReadingConsumedOnce(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	ciphertext := []byte("burn-me")
	rec := upload(t, srv, ciphertext, map[string]string{"Expiration": "burn-after-reading"})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}
	id := rec.Body.String()

	first := fetch(t, srv, id)
	if first.Code != http.StatusOK {
		t.Fatalf("first fetch status = %d", first.Code)
	}
	got, _ := io.ReadAll(first.Body)
	if !bytes.Equal(got, ciphertext) {
		t.Fatalf("first fetch body mismatch")
	}

	second := fetch(t, srv, id)
	if second.Code != http.StatusNotFound {
		t.Fatalf("second fetch status = %d, want 404 after burn", second.Code)
	}
}

func TestRequiresPasswordStillDeliversCiphertext(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	ciphertext := []byte("password-protected")
	rec := upload(t, srv, ciphertext, map[string]string{"Requires-Password": "true"})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}
	id := rec.Body.String()

	getRec := fetch(t, srv, id)
	if getRec.Code != 498 {
		t.Fatalf("status = %d, want 498 for password-required paste", getRec.Code)
	}
	got, _ := io.ReadAll(getRec.Body)
	if !bytes.Equal(got, ciphertext) {
		t.Fatal("password-required response must still deliver ciphertext")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t, "", "")
	defer cleanup()

	rec := upload(t, srv, []byte("to-delete"), nil)
	id := rec.Body.String()

	first := del(t, srv, id, "")
	if first.Code != http.StatusNoContent {
		t.Fatalf("first delete status = %d", first.Code)
	}
	second := del(t, srv, id, "")
	if second.Code != http.StatusNoContent {
		t.Fatalf("second delete of already-deleted id status = %d, want 204 (idempotent)", second.Code)
	}

	getRec := fetch(t, srv, id)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("fetch after delete status = %d, want 404", getRec.Code)
	}
}

func TestDeleteRequiresBearerTokenWhenConfigured(t *testing.T) {
	srv, cleanup := newTestServer(t, adminHashForTest, adminPepperForTest)
	defer cleanup()

	rec := upload(t, srv, []byte("guarded"), nil)
	id := rec.Body.String()

	noAuth := del(t, srv, id, "")
	if noAuth.Code != http.StatusUnauthorized {
		t.Fatalf("delete without bearer token status = %d, want 401", noAuth.Code)
	}

	wrongAuth := del(t, srv, id, "wrong-token")
	if wrongAuth.Code != http.StatusUnauthorized {
		t.Fatalf("delete with wrong bearer token status = %d, want 401", wrongAuth.Code)
	}

	rightAuth := del(t, srv, id, adminTokenForTest)
	if rightAuth.Code != http.StatusNoContent {
		t.Fatalf("delete with correct bearer token status = %d, want 204", rightAuth.Code)
	}
}
