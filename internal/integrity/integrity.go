// Package integrity provides tamper-evident hashing and Merkle tree construction
// for workflow audit trails. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// hashPrefix versions the encoding so it can change without invalidating
// stored entries.
const hashPrefix = "v2:"

// AuditHash produces a versioned SHA-256 hex digest over the fields that
// identify an audit entry: workflow id, timestamp, event type and snapshot.
func AuditHash(workflowID uuid.UUID, ts time.Time, eventType string, snapshot []byte) string {
	return hashPrefix + computeHash(workflowID, ts, eventType, snapshot)
}

// VerifyAuditHash checks whether a stored hash matches the recomputed hash.
// Hashes without the version prefix never verify.
func VerifyAuditHash(stored string, workflowID uuid.UUID, ts time.Time, eventType string, snapshot []byte) bool {
	if !strings.HasPrefix(stored, hashPrefix) {
		return false
	}
	want := hashPrefix + computeHash(workflowID, ts, eventType, snapshot)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(want)) == 1
}

// computeHash encodes each field as a 4-byte big-endian length prefix
// followed by the field bytes, so no field content can shift a boundary.
func computeHash(workflowID uuid.UUID, ts time.Time, eventType string, snapshot []byte) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // snapshots are bounded by request and document limits
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(workflowID.String()))
	writeField([]byte(ts.UTC().Format(time.RFC3339Nano)))
	writeField([]byte(eventType))
	writeField(snapshot)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves are taken in the order given; audit trails pass them in append order.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
