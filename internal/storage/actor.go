// Package storage serialises every write to dynamically created content
// tables behind one actor goroutine. Callers exchange messages with Call;
// the actor owns the database handle for the dynamic-SQL write path, so
// identifier validation and DDL execution happen in exactly one place.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/schema"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// CreateTableFromTemplate creates a content table shaped like an existing
// template table. Idempotent: an existing table is success.
type CreateTableFromTemplate struct {
	Name        string
	Template    string
	Narrative   string
	Description string
}

// CreateTableFromInference creates a content table whose columns are
// inferred from the first JSON sample.
type CreateTableFromInference struct {
	Name        string
	JSONSample  map[string]any
	Narrative   string
	Description string
}

// InsertContent inserts one JSON object as a row, stamping the generation
// provenance columns.
type InsertContent struct {
	Table     string
	JSONData  map[string]any
	Narrative string
	Act       string
	Model     string
}

// StartGeneration opens a tracking row for a content-generation run.
type StartGeneration struct {
	TableName     string
	NarrativeFile string
	NarrativeName string
}

// CompleteGeneration closes the tracking row opened by StartGeneration.
type CompleteGeneration struct {
	TableName      string
	RowCount       *int
	DurationMillis int64
	Status         models.GenerationStatus
	ErrorMessage   string
}

// ErrActorClosed is returned by Call after Close.
var ErrActorClosed = errors.New("storage actor is closed")

// DefaultCallTimeout bounds a Call when the caller's context carries no
// deadline of its own.
const DefaultCallTimeout = 10 * time.Second

type request struct {
	msg   any
	reply chan error
}

// Actor is the single writer for dynamic content tables.
type Actor struct {
	db       *sql.DB
	dialect  schema.Dialect
	logger   *slog.Logger
	requests chan request
	closed   chan struct{}
	timeout  time.Duration
}

// Option configures an Actor.
type Option func(*Actor)

// WithLogger configures the actor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Actor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCallTimeout overrides the default Call deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Actor) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewActor creates and starts the storage actor for the given dialect.
func NewActor(db *sql.DB, dialect schema.Dialect, opts ...Option) *Actor {
	a := &Actor{
		db:       db,
		dialect:  dialect,
		logger:   slog.Default(),
		requests: make(chan request, 64),
		closed:   make(chan struct{}),
		timeout:  DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Close stops the actor. Outstanding Calls fail with ErrActorClosed.
func (a *Actor) Close() {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
}

// Call sends one message and waits for the actor's reply. Deadline
// overruns and a closed actor surface as Backend errors.
func (a *Actor) Call(ctx context.Context, msg any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := request{msg: msg, reply: make(chan error, 1)}
	select {
	case a.requests <- req:
	case <-a.closed:
		return apperr.New(apperr.KindBackend, "storage.call", ErrActorClosed, nil)
	case <-ctx.Done():
		return apperr.New(apperr.KindBackend, "storage.call", ctx.Err(), nil)
	}

	select {
	case err := <-req.reply:
		return err
	case <-a.closed:
		return apperr.New(apperr.KindBackend, "storage.call", ErrActorClosed, nil)
	case <-ctx.Done():
		return apperr.New(apperr.KindBackend, "storage.call", ctx.Err(), nil)
	}
}

func (a *Actor) run() {
	for {
		select {
		case <-a.closed:
			return
		case req := <-a.requests:
			req.reply <- a.handle(req.msg)
		}
	}
}

func (a *Actor) handle(msg any) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	switch m := msg.(type) {
	case CreateTableFromTemplate:
		return a.createFromTemplate(ctx, m)
	case CreateTableFromInference:
		return a.createFromInference(ctx, m)
	case InsertContent:
		return a.insertContent(ctx, m)
	case StartGeneration:
		return a.startGeneration(ctx, m)
	case CompleteGeneration:
		return a.completeGeneration(ctx, m)
	default:
		return apperr.New(apperr.KindBackend, "storage.handle", fmt.Errorf("unknown message %T", msg), nil)
	}
}

func (a *Actor) createFromTemplate(ctx context.Context, m CreateTableFromTemplate) error {
	exists, err := schema.TableExists(ctx, a.db, a.dialect, m.Name)
	if err != nil {
		return err
	}
	if exists {
		a.logger.Debug("content table already exists", "table", m.Name)
		return nil
	}

	source, err := schema.Reflect(ctx, a.db, a.dialect, m.Template)
	if err != nil {
		return err
	}
	ddl, err := schema.GenerateCreateTableSQL(a.dialect, m.Name, source)
	if err != nil {
		return err
	}
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return apperr.New(apperr.KindQuery, "storage.create_table", err, map[string]any{"table": m.Name})
	}
	a.logger.Info("created content table from template", "table", m.Name, "template", m.Template)
	return nil
}

func (a *Actor) createFromInference(ctx context.Context, m CreateTableFromInference) error {
	exists, err := schema.TableExists(ctx, a.db, a.dialect, m.Name)
	if err != nil {
		return err
	}
	if exists {
		a.logger.Debug("content table already exists", "table", m.Name)
		return nil
	}

	ddl, err := schema.InferCreateTableSQL(a.dialect, m.Name, m.JSONSample)
	if err != nil {
		return err
	}
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return apperr.New(apperr.KindQuery, "storage.create_table", err, map[string]any{"table": m.Name})
	}
	a.logger.Info("created content table from inference", "table", m.Name, "columns", len(m.JSONSample))
	return nil
}

func (a *Actor) insertContent(ctx context.Context, m InsertContent) error {
	target, err := schema.Reflect(ctx, a.db, a.dialect, m.Table)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(target.Columns))
	for _, col := range target.Columns {
		known[col.Name] = true
	}

	var cols []string
	var args []any
	for _, col := range target.Columns {
		if col.Name == "id" || schema.IsMetadataColumn(col.Name) {
			continue
		}
		value, ok := m.JSONData[col.Name]
		if !ok {
			continue
		}
		bound, err := bindValue(value)
		if err != nil {
			return apperr.New(apperr.KindValidation, "storage.insert", err, map[string]any{"column": col.Name})
		}
		cols = append(cols, col.Name)
		args = append(args, bound)
	}
	if len(cols) == 0 {
		return apperr.Validation("storage.insert", "json_data", "no fields match the table's columns")
	}

	provenance := []struct {
		name  string
		value string
	}{
		{"source_narrative", m.Narrative},
		{"source_act", m.Act},
		{"generation_model", m.Model},
	}
	for _, p := range provenance {
		if p.value != "" && known[p.name] {
			cols = append(cols, p.name)
			args = append(args, p.value)
		}
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		m.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.New(apperr.KindQuery, "storage.insert", err, map[string]any{"table": m.Table})
	}
	return nil
}

// bindValue flattens a decoded JSON value into something the SQL driver
// accepts; compound values are re-encoded for JSONB columns.
func bindValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return v, nil
	case []any, map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// trackingTableDDL renders the generation-tracking table for the
// dialect; only the current-timestamp expression differs.
func trackingTableDDL(d schema.Dialect) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS content_generations (
    table_name TEXT PRIMARY KEY,
    narrative_file TEXT,
    narrative_name TEXT,
    status TEXT NOT NULL,
    row_count INTEGER,
    generation_duration_ms BIGINT,
    error_message TEXT,
    generated_at TIMESTAMP NOT NULL DEFAULT %s,
    completed_at TIMESTAMP
)`, d.NowExpr())
}

func (a *Actor) ensureTrackingTable(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, trackingTableDDL(a.dialect)); err != nil {
		return apperr.New(apperr.KindQuery, "storage.tracking", err, nil)
	}
	return nil
}

func (a *Actor) startGeneration(ctx context.Context, m StartGeneration) error {
	if err := a.ensureTrackingTable(ctx); err != nil {
		return err
	}

	var status string
	err := a.db.QueryRowContext(ctx,
		"SELECT status FROM content_generations WHERE table_name = $1", m.TableName).Scan(&status)
	switch {
	case err == nil:
		if status != string(models.GenerationRunning) {
			return apperr.Conflict("storage.start_generation", m.TableName)
		}
		// A stuck running row is re-armed.
		_, err = a.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE content_generations SET narrative_file = $1, narrative_name = $2, generated_at = %s WHERE table_name = $3", a.dialect.NowExpr()),
			m.NarrativeFile, m.NarrativeName, m.TableName)
	case err == sql.ErrNoRows:
		_, err = a.db.ExecContext(ctx,
			"INSERT INTO content_generations (table_name, narrative_file, narrative_name, status) VALUES ($1, $2, $3, $4)",
			m.TableName, m.NarrativeFile, m.NarrativeName, string(models.GenerationRunning))
	}
	if err != nil {
		return apperr.New(apperr.KindQuery, "storage.start_generation", err, map[string]any{"table": m.TableName})
	}
	return nil
}

func (a *Actor) completeGeneration(ctx context.Context, m CompleteGeneration) error {
	res, err := a.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE content_generations
SET status = $1, row_count = $2, generation_duration_ms = $3, error_message = NULLIF($4, ''), completed_at = %s
WHERE table_name = $5`, a.dialect.NowExpr()),
		string(m.Status), m.RowCount, m.DurationMillis, m.ErrorMessage, m.TableName)
	if err != nil {
		return apperr.New(apperr.KindQuery, "storage.complete_generation", err, map[string]any{"table": m.TableName})
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("storage.complete_generation", "content_generations", m.TableName)
	}
	return nil
}
