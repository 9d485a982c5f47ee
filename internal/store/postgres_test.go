package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestComputeDedupKeyFromID(t *testing.T) {
	body := []byte(`{"id":"evt_123","type":"route.optimized"}`)
	got := computeDedupKey(body)
	if got != "evt_123" {
		t.Fatalf("want evt_123, got %s", got)
	}
}

func TestComputeDedupKeyFromHash(t *testing.T) {
	body := []byte(`{"notId":"x"}`)
	got := computeDedupKey(body)
	// hex-encoded first 8 bytes -> 16 hex chars
	b, err := hex.DecodeString(got)
	if err != nil {
		t.Fatalf("invalid hex: %v", err)
	}
	if len(b) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(b))
	}
}

func TestPQStringArray(t *testing.T) {
	if v := pqStringArray(nil); v != nil {
		t.Fatalf("nil slice -> nil expected")
	}
	if v := pqStringArray([]string{}); v != nil {
		t.Fatalf("empty slice -> nil expected")
	}
	if v := pqStringArray([]string{"a", "b"}); v == nil {
		t.Fatalf("non-empty -> non-nil expected")
	}
}

func TestNextCursor(t *testing.T) {
	if got := nextCursor(10, 10, "abc"); got != "abc" {
		t.Fatalf("full page should carry cursor, got %q", got)
	}
	if got := nextCursor(3, 10, "abc"); got != "" {
		t.Fatalf("short page should end listing, got %q", got)
	}
}

func TestPgErrorClassification(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(dup) {
		t.Fatalf("23505 should be a unique violation")
	}
	bad := &pgconn.PgError{Code: "22P02"}
	if !errors.Is(notFound(bad), ErrNotFound) {
		t.Fatalf("malformed uuid should map to ErrNotFound")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil || len(names) == 0 {
		t.Fatalf("expected embedded migrations, got %v %v", names, err)
	}
}
