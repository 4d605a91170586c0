package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/schema"
	"github.com/nexusnarrative/narrator/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS narrative_executions (
    id TEXT PRIMARY KEY,
    narrative_name TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
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

// Store implements Repository over a database/sql handle. Its statements
// use ordinal $n parameters, which both lib/pq and mattn/go-sqlite3
// accept, so the Postgres and SQLite backends share this layer; the
// dialect is kept for the schema-reflection components that cannot.
type Store struct {
	db      *sql.DB
	dialect schema.Dialect
}

// NewPostgres opens a pooled connection and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "repository.open", err, nil)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindConfig, "repository.open", err, nil)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindQuery, "repository.migrate", err, nil)
	}
	return &Store{db: db, dialect: schema.DialectPostgres}, nil
}

// NewStoreFromDB wraps an existing handle without migrating; used by
// tests and callers that manage the schema themselves.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db, dialect: schema.DialectPostgres}
}

// Close releases the connection pool.
func (p *Store) Close() error { return p.db.Close() }

// DB exposes the underlying handle for components that share the pool.
func (p *Store) DB() *sql.DB { return p.db }

// Dialect reports which SQL flavour the handle speaks.
func (p *Store) Dialect() schema.Dialect { return p.dialect }

// SaveExecution persists the execution tree in one transaction.
func (p *Store) SaveExecution(ctx context.Context, ex *models.NarrativeExecution) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.New(apperr.KindQuery, "repository.save", err, nil)
	}
	defer tx.Rollback()

	id := ex.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO narrative_executions (id, narrative_name, status, started_at, completed_at, error)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		id, ex.NarrativeName, string(ex.Status), ex.StartedAt, ex.CompletedAt, ex.Error); err != nil {
		return "", apperr.New(apperr.KindQuery, "repository.save", err, nil)
	}

	for _, act := range ex.ActExecutions {
		actID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO act_executions (id, execution_id, act_name, model, temperature, max_tokens, response, sequence_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			actID, id, act.ActName, act.Model, act.Temperature, act.MaxTokens, act.Response, act.SequenceNumber); err != nil {
			return "", apperr.New(apperr.KindQuery, "repository.save", err, nil)
		}
		for pos, in := range act.Inputs {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO act_inputs (id, act_execution_id, position, kind, text_content, mime, base64_data, content_hash, url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				uuid.NewString(), actID, pos, string(in.Kind), in.Text, in.MIME,
				in.Source.Base64, in.Source.ContentHash, in.Source.URL); err != nil {
				return "", apperr.New(apperr.KindQuery, "repository.save", err, nil)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.New(apperr.KindQuery, "repository.save", err, nil)
	}
	ex.ID = id
	return id, nil
}

// LoadExecution reads the execution tree back.
func (p *Store) LoadExecution(ctx context.Context, id string) (*models.NarrativeExecution, error) {
	ex := &models.NarrativeExecution{ID: id}
	var status string
	var errText sql.NullString
	err := p.db.QueryRowContext(ctx, `
SELECT narrative_name, status, started_at, completed_at, error
FROM narrative_executions WHERE id = $1`, id).
		Scan(&ex.NarrativeName, &status, &ex.StartedAt, &ex.CompletedAt, &errText)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("repository.load", "execution", id)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "repository.load", err, nil)
	}
	ex.Status = models.ExecutionStatus(status)
	ex.Error = errText.String

	rows, err := p.db.QueryContext(ctx, `
SELECT id, act_name, model, temperature, max_tokens, response, sequence_number
FROM act_executions WHERE execution_id = $1 ORDER BY sequence_number`, id)
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "repository.load", err, nil)
	}
	defer rows.Close()

	actIDs := []string{}
	for rows.Next() {
		var actID string
		var act models.ActExecution
		if err := rows.Scan(&actID, &act.ActName, &act.Model, &act.Temperature, &act.MaxTokens, &act.Response, &act.SequenceNumber); err != nil {
			return nil, apperr.New(apperr.KindQuery, "repository.load", err, nil)
		}
		ex.ActExecutions = append(ex.ActExecutions, act)
		actIDs = append(actIDs, actID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.KindQuery, "repository.load", err, nil)
	}

	for i, actID := range actIDs {
		inputs, err := p.loadInputs(ctx, actID)
		if err != nil {
			return nil, err
		}
		ex.ActExecutions[i].Inputs = inputs
	}
	return ex, nil
}

func (p *Store) loadInputs(ctx context.Context, actID string) ([]models.Input, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT kind, text_content, mime, base64_data, content_hash, url
FROM act_inputs WHERE act_execution_id = $1 ORDER BY position`, actID)
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "repository.load", err, nil)
	}
	defer rows.Close()

	var inputs []models.Input
	for rows.Next() {
		var kind string
		var text, mime, b64, hash, url sql.NullString
		if err := rows.Scan(&kind, &text, &mime, &b64, &hash, &url); err != nil {
			return nil, apperr.New(apperr.KindQuery, "repository.load", err, nil)
		}
		inputs = append(inputs, models.Input{
			Kind: models.InputKind(kind),
			Text: text.String,
			MIME: mime.String,
			Source: models.InputSource{
				Base64:      b64.String,
				ContentHash: hash.String,
				URL:         url.String,
			},
		})
	}
	return inputs, rows.Err()
}

// ListExecutions returns summaries matching the conjunctive filter,
// ordered by id and paginated.
func (p *Store) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionSummary, error) {
	query := `
SELECT e.id, e.narrative_name, e.status, e.started_at, e.completed_at,
       (SELECT COUNT(*) FROM act_executions a WHERE a.execution_id = e.id) AS act_count
FROM narrative_executions e`

	var conds []string
	var args []any
	addCond := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.NarrativeName != "" {
		addCond("e.narrative_name = $%d", filter.NarrativeName)
	}
	if filter.Status != "" {
		addCond("e.status = $%d", string(filter.Status))
	}
	if filter.StartedAfter != nil {
		addCond("e.started_at > $%d", *filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		addCond("e.started_at < $%d", *filter.StartedBefore)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY e.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "repository.list", err, nil)
	}
	defer rows.Close()

	var out []models.ExecutionSummary
	for rows.Next() {
		var s models.ExecutionSummary
		var status string
		if err := rows.Scan(&s.ID, &s.NarrativeName, &status, &s.StartedAt, &s.CompletedAt, &s.ActCount); err != nil {
			return nil, apperr.New(apperr.KindQuery, "repository.list", err, nil)
		}
		s.Status = models.ExecutionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStatus transitions one execution's status.
func (p *Store) UpdateStatus(ctx context.Context, id string, status models.ExecutionStatus) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE narrative_executions SET status = $1 WHERE id = $2", string(status), id)
	if err != nil {
		return apperr.New(apperr.KindQuery, "repository.update_status", err, nil)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("repository.update_status", "execution", id)
	}
	return nil
}

// DeleteExecution removes an execution; acts and inputs cascade.
func (p *Store) DeleteExecution(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM narrative_executions WHERE id = $1", id)
	if err != nil {
		return apperr.New(apperr.KindQuery, "repository.delete", err, nil)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("repository.delete", "execution", id)
	}
	return nil
}
