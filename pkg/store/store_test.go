package store

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/edward-shen/omegaupload/pkg/domain"
	"github.com/edward-shen/omegaupload/pkg/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), nil, nil, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func encodedPaste(body string, kind domain.Kind) []byte {
	return record.Encode(&domain.Paste{Ciphertext: []byte(body), Expiration: domain.Expiration{Kind: kind}})
}

func TestPutIfAbsentCollision(t *testing.T) {
	s := openTestStore(t)
	if collision, err := s.PutIfAbsent("abc123456789", encodedPaste("x", domain.UnixTime)); collision || err != nil {
		t.Fatalf("first put: collision=%v err=%v", collision, err)
	}
	if collision, err := s.PutIfAbsent("abc123456789", encodedPaste("y", domain.UnixTime)); !collision || err != nil {
		t.Fatalf("second put: collision=%v err=%v, want collision=true", collision, err)
	}
}

func TestGetThenGetAgainSurvives(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutIfAbsent("id1", encodedPaste("hello", domain.UnixTime)); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := s.Get("id1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		p, err := record.Decode(got)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !bytes.Equal(p.Ciphertext, []byte("hello")) {
			t.Fatalf("round %d: ciphertext mismatch", i)
		}
	}
}

func TestTakeIsOneShot(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutIfAbsent("burn1", encodedPaste("secret", domain.BurnAfterReading)); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	got, err := s.Take("burn1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got == nil {
		t.Fatal("expected non-nil record on first take")
	}
	got2, err := s.Take("burn1")
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	if got2 != nil {
		t.Fatal("expected nil on second take, record should be gone")
	}
}

func TestTakeConcurrentOnlyOneWinner(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutIfAbsent("burn2", encodedPaste("payload", domain.BurnAfterReading)); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	const n = 16
	var wg sync.WaitGroup
	var successes int
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Take("burn2")
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutIfAbsent("id2", encodedPaste("x", domain.UnixTime)); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if err := s.Delete("id2"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := s.Delete("id2"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	got, err := s.Get("id2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestScanVisitsAllRecords(t *testing.T) {
	s := openTestStore(t)
	ids := []string{"a1", "a2", "a3"}
	for _, id := range ids {
		if _, err := s.PutIfAbsent(id, encodedPaste(id, domain.UnixTime)); err != nil {
			t.Fatalf("PutIfAbsent(%s): %v", id, err)
		}
	}
	seen := make(map[string]bool)
	err := s.Scan(context.Background(), func(ctx context.Context, id string, recordBytes []byte) error {
		seen[id] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("Scan did not visit %q", id)
		}
	}
}

func TestBurnRecordsNeverCached(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutIfAbsent("burn3", encodedPaste("x", domain.BurnAfterReadingWithDeadline)); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	// Get must not be used for burn records in production code (Take is),
	// but even if called, it must not populate the cache.
	if _, err := s.Get("burn3"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := s.cache.get("burn3"); ok {
		t.Fatal("burn record was cached")
	}
}
