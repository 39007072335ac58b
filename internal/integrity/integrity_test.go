package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAuditHash_Deterministic(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	snap := []byte(`{"stage":"source_fetch","status":"complete"}`)

	h1 := AuditHash(id, ts, "workflow-state-change", snap)
	h2 := AuditHash(id, ts, "workflow-state-change", snap)

	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if !strings.HasPrefix(h1, hashPrefix) {
		t.Fatalf("expected %q prefix, got %q", hashPrefix, h1)
	}
	if len(h1) != len(hashPrefix)+64 {
		t.Fatalf("expected prefixed 64-char hex SHA-256, got %d chars", len(h1))
	}
}

func TestAuditHash_TimezoneInsensitive(t *testing.T) {
	id := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	utc := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tokyo := utc.In(time.FixedZone("JST", 9*3600))

	if AuditHash(id, utc, "metric-update", nil) != AuditHash(id, tokyo, "metric-update", nil) {
		t.Fatal("the same instant in different zones must hash identically")
	}
}

func TestAuditHash_FieldBoundaries(t *testing.T) {
	id := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	h1 := AuditHash(id, ts, "review-status", []byte("x"))
	h2 := AuditHash(id, ts, "review-statusx", nil)

	if h1 == h2 {
		t.Fatal("moving bytes between fields must change the hash")
	}
}

func TestVerifyAuditHash(t *testing.T) {
	id := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	ts := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	snap := []byte(`{"combined_reward":0.44}`)

	hash := AuditHash(id, ts, "reward-computation", snap)

	if !VerifyAuditHash(hash, id, ts, "reward-computation", snap) {
		t.Fatal("verification should succeed for matching inputs")
	}
	if VerifyAuditHash(hash, id, ts, "reward-computation", []byte(`{"combined_reward":0.99}`)) {
		t.Fatal("verification should fail for a modified snapshot")
	}
	if VerifyAuditHash(hash, id, ts.Add(time.Microsecond), "reward-computation", snap) {
		t.Fatal("verification should fail for a shifted timestamp")
	}
	if VerifyAuditHash(strings.TrimPrefix(hash, hashPrefix), id, ts, "reward-computation", snap) {
		t.Fatal("unversioned hashes must not verify")
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	root := BuildMerkleRoot(nil)
	if root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := "abc123"
	root := BuildMerkleRoot([]string{leaf})
	if root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})

	if r1 == r2 {
		t.Fatal("different leaf ordering should produce different roots")
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}
