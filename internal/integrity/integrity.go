// Package integrity provides tamper-evident hashing and Merkle tree
// construction for the gate audit trail. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ComputeEventHash produces a SHA-256 hex digest over the canonical fields of
// an audit event. Each field is encoded with a 4-byte big-endian length
// prefix so freeform payload bytes can never collide across field boundaries.
func ComputeEventHash(kind string, actorID, subjectID, sessionID *uuid.UUID, payload []byte, recordedAt time.Time) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeUUID := func(id *uuid.UUID) {
		if id == nil {
			writeField(nil)
			return
		}
		writeField([]byte(id.String()))
	}
	writeField([]byte(kind))
	writeUUID(actorID)
	writeUUID(subjectID)
	writeUUID(sessionID)
	writeField(payload)
	writeField([]byte(recordedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyEventHash checks whether a stored hash matches the recomputed hash.
func VerifyEventHash(stored, kind string, actorID, subjectID, sessionID *uuid.UUID, payload []byte, recordedAt time.Time) bool {
	return stored == ComputeEventHash(kind, actorID, subjectID, sessionID, payload, recordedAt)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01 prefix
// is a domain separator for internal Merkle tree nodes (per RFC 6962), so
// internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must already be in a deterministic order (audit events use
// ascending event ID). An empty input yields an empty root; a single leaf is
// its own root. Odd-length levels hash the last node with itself for
// structural binding.
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
