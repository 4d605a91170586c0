package repository

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/schema"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS narrative_executions (
    id TEXT PRIMARY KEY,
    narrative_name TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    error TEXT
);

CREATE TABLE IF NOT EXISTS act_executions (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES narrative_executions(id) ON DELETE CASCADE,
    act_name TEXT NOT NULL,
    model TEXT,
    temperature REAL,
    max_tokens INTEGER,
    response TEXT NOT NULL,
    sequence_number INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS act_inputs (
    id TEXT PRIMARY KEY,
    act_execution_id TEXT NOT NULL REFERENCES act_executions(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    text_content TEXT,
    mime TEXT,
    base64_data TEXT,
    content_hash TEXT,
    url TEXT
);`

// NewSQLite opens (or creates) a SQLite database file for the local,
// zero-config mode and ensures the schema exists. Foreign keys are
// enabled so deletes cascade like the Postgres backend.
func NewSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "repository.open", err, nil)
	}
	// SQLite allows one writer; a larger pool only produces lock errors.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindConfig, "repository.open", err, nil)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindQuery, "repository.migrate", err, nil)
	}
	return &Store{db: db, dialect: schema.DialectSQLite}, nil
}
