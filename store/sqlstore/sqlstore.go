// Package sqlstore is an embedded SQLite implementation of store.Store,
// for single-process deployments that don't carry a Redis dependency.
// Schema is applied on startup via embedded golang-migrate migrations,
// following the embed-and-auto-apply idiom used for the Postgres backend
// in the reference pack.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the SQLite database at path and applies
// any pending migrations.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.NewError("sqlstore.New", core.ErrStorage, path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, core.NewError("sqlstore.New", core.ErrStorage, path, err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, core.NewError("sqlstore.New", core.ErrStorage, path, err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return source.Close()
}

func (s *Store) Put(ctx context.Context, rec store.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return core.NewError("sqlstore.Put", core.ErrStorage, rec.Definition.ID.String(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewError("sqlstore.Put", core.ErrStorage, rec.Definition.ID.String(), err)
	}
	defer tx.Rollback()

	id := rec.Definition.ID.String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, kind, status, execution_count, error_count, avg_execution_ms, health_score, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, status=excluded.status, execution_count=excluded.execution_count,
			error_count=excluded.error_count, avg_execution_ms=excluded.avg_execution_ms,
			health_score=excluded.health_score, document=excluded.document`,
		id, rec.Definition.Kind, string(rec.Definition.Status), rec.ExecCount, rec.ErrCount,
		rec.AvgExecMs, rec.HealthScore, string(doc))
	if err != nil {
		return core.NewError("sqlstore.Put", core.ErrStorage, id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = ?`, id); err != nil {
		return core.NewError("sqlstore.Put", core.ErrStorage, id, err)
	}
	for _, c := range rec.Definition.Capabilities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (agent_id, tag) VALUES (?, ?)`, id, c.Tag()); err != nil {
			return core.NewError("sqlstore.Put", core.ErrStorage, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.NewError("sqlstore.Put", core.ErrStorage, id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id core.AgentId) (store.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM agents WHERE id = ?`, id.String()).Scan(&doc)
	if err == sql.ErrNoRows {
		return store.Record{}, store.ErrNotExist
	}
	if err != nil {
		return store.Record{}, core.NewError("sqlstore.Get", core.ErrStorage, id.String(), err)
	}
	var rec store.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return store.Record{}, core.NewError("sqlstore.Get", core.ErrStorage, id.String(), err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id core.AgentId) error {
	// SQLite leaves foreign keys off unless enabled, so ON DELETE CASCADE
	// does not fire; remove the capability rows explicitly.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = ?`, id.String()); err != nil {
		return core.NewError("sqlstore.Delete", core.ErrStorage, id.String(), err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id.String()); err != nil {
		return core.NewError("sqlstore.Delete", core.ErrStorage, id.String(), err)
	}
	return nil
}

func (s *Store) ByKind(ctx context.Context, kind string) ([]core.AgentId, error) {
	return s.queryIds(ctx, `SELECT id FROM agents WHERE kind = ?`, kind)
}

func (s *Store) ByStatus(ctx context.Context, status core.AgentStatus) ([]core.AgentId, error) {
	return s.queryIds(ctx, `SELECT id FROM agents WHERE status = ?`, string(status))
}

func (s *Store) ByCapability(ctx context.Context, tag string) ([]core.AgentId, error) {
	return s.queryIds(ctx, `SELECT agent_id FROM agent_capabilities WHERE tag = ?`, tag)
}

func (s *Store) queryIds(ctx context.Context, query string, arg string) ([]core.AgentId, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, core.NewError("sqlstore.queryIds", core.ErrStorage, arg, err)
	}
	defer rows.Close()

	var ids []core.AgentId
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, core.NewError("sqlstore.queryIds", core.ErrStorage, arg, err)
		}
		id, err := core.ParseAgentId(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) All(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM agents`)
	if err != nil {
		return nil, core.NewError("sqlstore.All", core.ErrStorage, "", err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, core.NewError("sqlstore.All", core.ErrStorage, "", err)
		}
		var rec store.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
