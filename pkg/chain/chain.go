// Copyright 2025 Certen Protocol
//
// Chain Verifier — validates the linearity of one entity's delta chain and
// detects forks. Pure: it never mutates a delta or consults wall-clock time
// beyond what a delta already carries.

package chain

import (
	"errors"
	"fmt"

	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
)

// Errors surfaced by Verify. A delta chain that fails verification must
// never be applied (spec.md §4.4).
var (
	ErrBrokenLink   = errors.New("chain: prev_hash does not match the preceding delta's new_hash")
	ErrBadGenesis   = errors.New("chain: first delta in chain must have genesis prev_hash")
	ErrWrongEntity  = errors.New("chain: delta belongs to a different entity")
	ErrHashMismatch = errors.New("chain: recomputed hash does not match delta's new_hash")
)

// Fork records two deltas that share a prev_hash but diverge — a
// concurrent edit made before either side saw the other (spec.md §4.4,
// §4.7).
type Fork struct {
	EntityID entity.ID
	PrevHash hashkit.Hash
	BranchA  entity.Delta
	BranchB  entity.Delta
}

// VerifyResult is the outcome of verifying one entity's delta set.
type VerifyResult struct {
	Ordered []entity.Delta
	Forks   []Fork
}

// Verify checks that deltas form a linear, hash-linked chain rooted at the
// genesis hash, and reports any forks found along the way. Deltas are first
// sorted by the canonical (timestamp, delta_id) tie-break (spec.md §4.4)
// before the chain is walked.
//
// Verify does not recompute new_hash from state; callers that hold the
// reconstructed state at each step should additionally call VerifyStateHash.
func Verify(id entity.ID, deltas []entity.Delta) (VerifyResult, error) {
	sorted := entity.SortDeltas(deltas)

	byPrev := make(map[hashkit.Hash][]entity.Delta, len(sorted))
	for _, d := range sorted {
		if d.EntityID != id {
			return VerifyResult{}, fmt.Errorf("%w: expected %s, got %s", ErrWrongEntity, id, d.EntityID)
		}
		byPrev[d.PrevHash] = append(byPrev[d.PrevHash], d)
	}

	var forks []Fork
	for prev, group := range byPrev {
		if len(group) < 2 {
			continue
		}
		for i := 1; i < len(group); i++ {
			forks = append(forks, Fork{
				EntityID: id,
				PrevHash: prev,
				BranchA:  group[0],
				BranchB:  group[i],
			})
		}
	}

	ordered, err := linearize(sorted)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{Ordered: ordered, Forks: forks}, nil
}

// linearize walks the chain from genesis, following new_hash -> prev_hash
// links, and returns the single linear path. Branches off the main path (a
// delta whose prev_hash was already consumed by an earlier pick) are
// reported via Forks by the caller, not included here.
func linearize(sorted []entity.Delta) ([]entity.Delta, error) {
	if len(sorted) == 0 {
		return nil, nil
	}

	byPrev := make(map[hashkit.Hash]entity.Delta, len(sorted))
	for _, d := range sorted {
		if _, exists := byPrev[d.PrevHash]; !exists {
			byPrev[d.PrevHash] = d
		}
	}

	var ordered []entity.Delta
	cursor := hashkit.Genesis
	seen := make(map[hashkit.Hash]bool, len(sorted))
	for {
		next, ok := byPrev[cursor]
		if !ok {
			break
		}
		if seen[next.NewHash] {
			return nil, fmt.Errorf("%w: cycle detected at %s", ErrBrokenLink, next.NewHash)
		}
		seen[next.NewHash] = true
		ordered = append(ordered, next)
		cursor = next.NewHash
	}

	// Every delta must hang off genesis through some chain of links; fork
	// siblings count as reachable even though only one branch is ordered.
	reached := map[hashkit.Hash]bool{hashkit.Genesis: true}
	counted := make([]bool, len(sorted))
	reachable := 0
	for changed := true; changed; {
		changed = false
		for i, d := range sorted {
			if !counted[i] && reached[d.PrevHash] {
				counted[i], reached[d.NewHash] = true, true
				reachable++
				changed = true
			}
		}
	}
	if reachable != len(sorted) {
		return ordered, fmt.Errorf("%w: %d of %d deltas reachable from genesis", ErrBrokenLink, reachable, len(sorted))
	}
	return ordered, nil
}

// VerifyStateHash recomputes hasher.Hash(state) and checks it against
// d.NewHash, the authoritative acceptance check performed at every sync
// boundary (spec.md §4.2, §4.5). hasher must be cryptographic-grade; a
// fast-grade hasher is never sufficient here.
func VerifyStateHash(d entity.Delta, state interface{}, hasher hashkit.Hasher) error {
	if !hasher.Authoritative() {
		return fmt.Errorf("chain: hasher grade %q is not authoritative", hasher.Grade())
	}
	got, err := hasher.Hash(state)
	if err != nil {
		return fmt.Errorf("chain: hash state: %w", err)
	}
	if got != d.NewHash {
		return fmt.Errorf("%w: computed %s, delta claims %s", ErrHashMismatch, got, d.NewHash)
	}
	return nil
}

// ResolveFork picks the surviving branch for a detected fork. Per
// spec.md §9's Open Question resolution, the branch with the
// newer timestamp wins; ties break by the lexicographically smaller
// delta_id, keeping resolution deterministic across nodes.
func ResolveFork(f Fork) entity.Delta {
	a, b := f.BranchA, f.BranchB
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	}
	if a.DeltaID.String() <= b.DeltaID.String() {
		return a
	}
	return b
}
