package offset

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStore persists offsets in a SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the store at path and applies pending migrations
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "open offset store")
	}
	// one writer keeps SQLite from returning busy errors under concurrent nodes
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "open offset store")
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (core.Offset, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM offsets WHERE flow_id = ? AND node_id = ? AND name = ?`,
		key.FlowID, key.NodeID, key.Name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "read offset")
	}
	return core.Offset(value), nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, offset core.Offset) error {
	if offset == nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM offsets WHERE flow_id = ? AND node_id = ? AND name = ?`,
			key.FlowID, key.NodeID, key.Name)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "delete offset")
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offsets (flow_id, node_id, name, value, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (flow_id, node_id, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key.FlowID, key.NodeID, key.Name, []byte(offset), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "write offset")
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, flowID, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "clear offsets")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"offsets", "table_metadata"} {
		var err error
		if nodeID == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE flow_id = ?`, flowID)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE flow_id = ? AND node_id = ?`, flowID, nodeID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "clear offsets")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "clear offsets")
	}
	return nil
}

func (s *SQLiteStore) SaveTable(ctx context.Context, flowID, nodeID string, table *schema.Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "encode table")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO table_metadata (flow_id, node_id, table_id, definition, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (flow_id, node_id, table_id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		flowID, nodeID, table.ID, string(data), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "write table")
	}
	return nil
}

func (s *SQLiteStore) LoadTable(ctx context.Context, flowID, nodeID, tableID string) (*schema.Table, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM table_metadata WHERE flow_id = ? AND node_id = ? AND table_id = ?`,
		flowID, nodeID, tableID).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "read table")
	}
	var table schema.Table
	if err := json.Unmarshal([]byte(definition), &table); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode table")
	}
	return &table, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
