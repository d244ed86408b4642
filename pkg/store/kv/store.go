// Copyright 2025 Certen Protocol
//
// Store is an embedded, single-node entity.Store backed by CometBFT's
// dbm.DB, directly grounded on pkg/kvdb.KVAdapter (a narrow Get/Set wrapper
// around dbm.DB) and pkg/ledger.LedgerStore's prefix-keyed-JSON layout:
// every record is marshaled JSON under a namespaced key, with no KV-native
// query support beyond prefix iteration of a single entity's delta chain.

package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
)

// KV is the narrow interface Store needs from the underlying database,
// matching pkg/kvdb.KVAdapter's Get/Set surface.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Iterator(start, end []byte) (dbm.Iterator, error)
}

// Adapter wraps a dbm.DB and exposes the KV interface, mirroring
// pkg/kvdb.KVAdapter.
type Adapter struct {
	db dbm.DB
}

// NewAdapter wraps db for use by Store.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

func (a *Adapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	return a.db.Iterator(start, end)
}

// Open opens (creating if absent) a GoLevelDB-backed Store rooted at dir.
func Open(name, dir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("kv: open goleveldb %s/%s: %w", dir, name, err)
	}
	return NewStore(NewAdapter(db)), nil
}

// ====== Key Layout ======
//
// entity:header:<id>             -> json(entity.Entity)
// entity:delta:<id>:<be64 seq>    -> json(entity.Delta)
// entity:index                   -> json([]entity.ID), the set of known ids
//
// Deltas are additionally keyed by an internal monotonic sequence number
// (not the delta's own hash) so the prefix range entity:delta:<id>: yields
// them in append order without a secondary index.

var (
	prefixHeader = []byte("entity:header:")
	prefixDelta  = []byte("entity:delta:")
	keyIndex     = []byte("entity:index")
)

func headerKey(id entity.ID) []byte {
	return append(append([]byte{}, prefixHeader...), []byte(id.String())...)
}

func deltaPrefix(id entity.ID) []byte {
	return append(append(append([]byte{}, prefixDelta...), []byte(id.String())...), ':')
}

func deltaKey(id entity.ID, seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(deltaPrefix(id), b...)
}

// Store implements entity.Store over a KV.
type Store struct {
	kv KV
}

// NewStore wraps kv as an entity.Store.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

var _ entity.Store = (*Store)(nil)

func (s *Store) PutEntity(e entity.Entity) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kv: marshal entity %s: %w", e.ID, err)
	}
	if err := s.kv.Set(headerKey(e.ID), b); err != nil {
		return fmt.Errorf("kv: put entity %s: %w", e.ID, err)
	}
	return s.addToIndex(e.ID)
}

func (s *Store) GetEntity(id entity.ID) (entity.Entity, error) {
	b, err := s.kv.Get(headerKey(id))
	if err != nil {
		return entity.Entity{}, fmt.Errorf("kv: get entity %s: %w", id, err)
	}
	if len(b) == 0 {
		return entity.Entity{}, fmt.Errorf("%w: %s", entity.ErrNotFound, id)
	}
	var e entity.Entity
	if err := json.Unmarshal(b, &e); err != nil {
		return entity.Entity{}, fmt.Errorf("kv: unmarshal entity %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) AppendDelta(id entity.ID, d entity.Delta) error {
	seq, err := s.nextDeltaSeq(id)
	if err != nil {
		return err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("kv: marshal delta %s: %w", d.DeltaID, err)
	}
	return s.kv.Set(deltaKey(id, seq), b)
}

// nextDeltaSeq counts existing delta keys for id to find the next free
// sequence number. Single-writer use (per spec.md §5's cooperative event
// loop) makes this race-free without extra bookkeeping state.
func (s *Store) nextDeltaSeq(id entity.ID) (uint64, error) {
	prefix := deltaPrefix(id)
	iter, err := s.kv.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return 0, fmt.Errorf("kv: iterate deltas for %s: %w", id, err)
	}
	defer iter.Close()
	var count uint64
	for ; iter.Valid(); iter.Next() {
		count++
	}
	return count, nil
}

func (s *Store) Deltas(id entity.ID) ([]entity.Delta, error) {
	prefix := deltaPrefix(id)
	iter, err := s.kv.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, fmt.Errorf("kv: iterate deltas for %s: %w", id, err)
	}
	defer iter.Close()

	var out []entity.Delta
	for ; iter.Valid(); iter.Next() {
		var d entity.Delta
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			return nil, fmt.Errorf("kv: unmarshal delta for %s: %w", id, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) DeltasSince(id entity.ID, sinceHash hashkit.Hash) ([]entity.Delta, error) {
	all, err := s.Deltas(id)
	if err != nil {
		return nil, err
	}
	sorted := entity.SortDeltas(all)
	if sinceHash.IsGenesis() {
		return sorted, nil
	}
	idx := -1
	for i, d := range sorted {
		if d.NewHash == sinceHash {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil
	}
	return sorted[idx+1:], nil
}

func (s *Store) AllEntities() ([]entity.Entity, error) {
	ids, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntity(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) loadIndex() ([]entity.ID, error) {
	b, err := s.kv.Get(keyIndex)
	if err != nil {
		return nil, fmt.Errorf("kv: load entity index: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var ids []entity.ID
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("kv: unmarshal entity index: %w", err)
	}
	return ids, nil
}

func (s *Store) addToIndex(id entity.ID) error {
	ids, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	b, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("kv: marshal entity index: %w", err)
	}
	return s.kv.Set(keyIndex, b)
}

// prefixUpperBound returns the smallest key greater than every key sharing
// prefix, for use as an exclusive iterator end bound.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix was all 0xff; unbounded
}
