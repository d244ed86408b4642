// Copyright 2025 Certen Protocol
//
// Canonical hashing for the delta-state fabric. Two grades are provided:
// a cryptographic grade (SHA-256 over canonical JSON) for chain acceptance,
// and a fast, non-cryptographic grade for change-detection hints only.

package hashkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Size is the width, in bytes, of every Hash value regardless of grade.
const Size = 32

// Hash is a 256-bit content digest. The all-zero Hash is the distinguished
// genesis hash (spec.md §3).
type Hash [Size]byte

// Genesis is the distinguished pre-creation hash.
var Genesis Hash

// IsGenesis reports whether h is the all-zero genesis hash.
func (h Hash) IsGenesis() bool {
	return h == Genesis
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hashkit: invalid hash hex: %w", err)
	}
	if len(decoded) != Size {
		return fmt.Errorf("hashkit: hash must be %d bytes, got %d", Size, len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hashkit: invalid hash hex: %w", err)
	}
	if len(decoded) != Size {
		return h, fmt.Errorf("hashkit: hash must be %d bytes, got %d", Size, len(decoded))
	}
	copy(h[:], decoded)
	return h, nil
}

// Grade distinguishes authoritative (chain-acceptance-safe) hashes from
// fast, non-cryptographic change-detection hints.
type Grade string

const (
	// GradeCryptographic must be used at every acceptance boundary:
	// the Chain Verifier and the Sync Session never accept a fast-grade
	// hash as a delta's new_hash.
	GradeCryptographic Grade = "cryptographic"
	// GradeFast is a keyed, non-cryptographic digest used only by the
	// Chunker's reassembly-buffer change-detection hint.
	GradeFast Grade = "fast"
)

// Hasher computes a Hash over arbitrary state, in canonical form.
type Hasher interface {
	Grade() Grade
	Hash(v interface{}) (Hash, error)
	Authoritative() bool
}

// CanonicalizeJSON returns a canonical byte sequence for v: object keys
// sorted lexicographically, no whitespace, stable number formatting.
// This is a simplified RFC 8785-like approach, matching the teacher's
// pkg/commitment.CanonicalizeJSON.
func CanonicalizeJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashkit: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("hashkit: unmarshal for canonicalization: %w", err)
	}
	canonical := canonicalizeValue(generic)
	out, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("hashkit: marshal canonical form: %w", err)
	}
	return out, nil
}

func canonicalizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = canonicalizeValue(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return vv
	}
}

// SHA256Hasher is the cryptographic grade: full-width SHA-256 digest over
// canonical JSON. Use this wherever a delta is accepted across a node
// boundary (spec.md §4.2, §9).
type SHA256Hasher struct{}

func (SHA256Hasher) Grade() Grade { return GradeCryptographic }

func (SHA256Hasher) Authoritative() bool { return true }

func (SHA256Hasher) Hash(v interface{}) (Hash, error) {
	canonical, err := CanonicalizeJSON(v)
	if err != nil {
		return Hash{}, err
	}
	return Hash(sha256.Sum256(canonical)), nil
}

// XXHasher is the fast, keyed non-cryptographic grade. It widens a single
// 64-bit xxhash digest to Size bytes by repeating it under four distinct
// round salts, matching the spec's "widened to the same width by padding"
// direction (spec.md §4.2). It must never be used where the Chain Verifier
// or Sync Session require an authoritative hash.
type XXHasher struct {
	Seed uint64
}

func (XXHasher) Grade() Grade { return GradeFast }

func (XXHasher) Authoritative() bool { return false }

func (x XXHasher) Hash(v interface{}) (Hash, error) {
	canonical, err := CanonicalizeJSON(v)
	if err != nil {
		return Hash{}, err
	}
	var out Hash
	for round := 0; round < 4; round++ {
		d := xxhash.NewWithSeed(x.Seed + uint64(round))
		_, _ = d.Write(canonical)
		sum := d.Sum64()
		for i := 0; i < 8; i++ {
			out[round*8+i] = byte(sum >> (8 * uint(i)))
		}
	}
	return out, nil
}

// HashBytes computes the cryptographic-grade hash of raw bytes directly,
// without canonicalization, for callers that already hold canonical bytes
// (e.g. the Chunker hashing a serialized delta for chunk bookkeeping).
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}
