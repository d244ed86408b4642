// Copyright 2025 Certen Protocol
//
// Store is an entity.Store backed by PostgreSQL via database/sql and
// github.com/lib/pq, directly grounded on pkg/database/client.go's
// connection-pooling and embed.FS migration runner, and the one-
// repository-per-aggregate layout of pkg/database/repository_*.go.

package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/patch"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the connection pool. Field names and defaults mirror
// pkg/config.PostgresSettings.
type Config struct {
	URL         string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	AutoMigrate bool
}

// Store is an entity.Store backed by a pooled *sql.DB connection.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

var _ entity.Store = (*Store)(nil)

// Open opens a connection pool to cfg.URL and, if cfg.AutoMigrate is set,
// applies every pending migration before returning.
func Open(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres: url is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	if cfg.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db, logger: log.New(log.Writer(), "[PostgresStore] ", log.LstdFlags)}

	if cfg.AutoMigrate {
		if err := s.migrateUp(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// MIGRATIONS
// ============================================================================

type migration struct {
	version string
	sql     string
}

func (s *Store) migrateUp(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		s.logger.Printf("applying migration %s", m.version)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			version: strings.TrimSuffix(d.Name(), ".sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// ============================================================================
// entity.Store
// ============================================================================

func (s *Store) PutEntity(e entity.Entity) error {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, created_at, current_version, current_hash, is_archived)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			current_version = EXCLUDED.current_version,
			current_hash = EXCLUDED.current_hash,
			is_archived = EXCLUDED.is_archived`,
		e.ID.String(), string(e.Kind), int64(e.CreatedAt), int64(e.CurrentVersion), e.CurrentHash[:], e.IsArchived,
	)
	if err != nil {
		return fmt.Errorf("postgres: put entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetEntity(id entity.ID) (entity.Entity, error) {
	ctx := context.Background()
	var (
		idStr   string
		kind    string
		created int64
		version int64
		hashB   []byte
		archived bool
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, created_at, current_version, current_hash, is_archived
		FROM entities WHERE id = $1`, id.String())
	if err := row.Scan(&idStr, &kind, &created, &version, &hashB, &archived); err != nil {
		if err == sql.ErrNoRows {
			return entity.Entity{}, fmt.Errorf("%w: %s", entity.ErrNotFound, id)
		}
		return entity.Entity{}, fmt.Errorf("postgres: get entity %s: %w", id, err)
	}
	var hash hashkit.Hash
	copy(hash[:], hashB)
	return entity.Entity{
		ID:             id,
		Kind:           entity.Kind(kind),
		CreatedAt:      entity.Timestamp(created),
		CurrentVersion: uint64(version),
		CurrentHash:    hash,
		IsArchived:     archived,
	}, nil
}

func (s *Store) AppendDelta(id entity.ID, d entity.Delta) error {
	ctx := context.Background()
	patchJSON, err := json.Marshal(d.Patch)
	if err != nil {
		return fmt.Errorf("postgres: marshal patch for delta %s: %w", d.DeltaID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deltas (delta_id, entity_id, timestamp, author, patch, prev_hash, new_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (delta_id) DO NOTHING`,
		d.DeltaID.String(), id.String(), int64(d.Timestamp), string(d.Author), patchJSON, d.PrevHash[:], d.NewHash[:],
	)
	if err != nil {
		return fmt.Errorf("postgres: append delta %s: %w", d.DeltaID, err)
	}
	return nil
}

func (s *Store) Deltas(id entity.ID) ([]entity.Delta, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT delta_id, entity_id, timestamp, author, patch, prev_hash, new_hash
		FROM deltas WHERE entity_id = $1`, id.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: deltas for %s: %w", id, err)
	}
	defer rows.Close()
	return scanDeltas(rows)
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
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, created_at, current_version, current_hash, is_archived FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("postgres: all entities: %w", err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var (
			idStr    string
			kind     string
			created  int64
			version  int64
			hashB    []byte
			archived bool
		)
		if err := rows.Scan(&idStr, &kind, &created, &version, &hashB, &archived); err != nil {
			return nil, fmt.Errorf("postgres: scan entity: %w", err)
		}
		id, err := entity.ParseID(idStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse entity id %q: %w", idStr, err)
		}
		var hash hashkit.Hash
		copy(hash[:], hashB)
		out = append(out, entity.Entity{
			ID:             id,
			Kind:           entity.Kind(kind),
			CreatedAt:      entity.Timestamp(created),
			CurrentVersion: uint64(version),
			CurrentHash:    hash,
			IsArchived:     archived,
		})
	}
	return out, rows.Err()
}

func scanDeltas(rows *sql.Rows) ([]entity.Delta, error) {
	var out []entity.Delta
	for rows.Next() {
		var (
			deltaIDStr  string
			entityIDStr string
			ts          int64
			author      string
			patchRaw    []byte
			prevHashB   []byte
			newHashB    []byte
		)
		if err := rows.Scan(&deltaIDStr, &entityIDStr, &ts, &author, &patchRaw, &prevHashB, &newHashB); err != nil {
			return nil, fmt.Errorf("postgres: scan delta: %w", err)
		}
		deltaID, err := entity.ParseID(deltaIDStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse delta id %q: %w", deltaIDStr, err)
		}
		entityID, err := entity.ParseID(entityIDStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse entity id %q: %w", entityIDStr, err)
		}
		var p patch.Patch
		if err := json.Unmarshal(patchRaw, &p); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal patch for delta %s: %w", deltaIDStr, err)
		}
		var prevHash, newHash hashkit.Hash
		copy(prevHash[:], prevHashB)
		copy(newHash[:], newHashB)
		out = append(out, entity.Delta{
			DeltaID:   deltaID,
			EntityID:  entityID,
			Timestamp: entity.Timestamp(ts),
			Author:    entity.Author(author),
			Patch:     p,
			PrevHash:  prevHash,
			NewHash:   newHash,
		})
	}
	return out, rows.Err()
}
