package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// ReviewStore manages the human-curation metadata on dynamically named
// content tables.
type ReviewStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewReviewStore wraps a database handle for the given dialect.
func NewReviewStore(db *sql.DB, dialect Dialect) *ReviewStore {
	return &ReviewStore{db: db, dialect: dialect}
}

// List returns rows from table ordered by generated_at descending,
// optionally filtered to one review status.
func (s *ReviewStore) List(ctx context.Context, table string, statusFilter string, limit int) ([]map[string]any, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf("SELECT * FROM %s", table)
	args := []any{}
	if statusFilter != "" {
		if err := validReviewStatus(statusFilter); err != nil {
			return nil, err
		}
		query += " WHERE review_status = $1"
		args = append(args, statusFilter)
	}
	query += fmt.Sprintf(" ORDER BY generated_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "review.list", err, map[string]any{"table": table})
	}
	defer rows.Close()
	return RowsToMaps(rows)
}

// GetByID returns one row from table.
func (s *ReviewStore) GetByID(ctx context.Context, table string, id int64) (map[string]any, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", table), id)
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "review.get", err, map[string]any{"table": table})
	}
	defer rows.Close()

	out, err := RowsToMaps(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("review.get", table, fmt.Sprint(id))
	}
	return out[0], nil
}

// UpdateMetadata sets tags and/or rating on one row. Rating must be 1..5.
func (s *ReviewStore) UpdateMetadata(ctx context.Context, table string, id int64, tags []string, rating *int) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	if tags == nil && rating == nil {
		return apperr.Validation("review.update_metadata", "update", "nothing to update")
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		return apperr.Validation("review.update_metadata", "rating", "rating must be between 1 and 5")
	}

	var sets []string
	var args []any
	if tags != nil {
		// Postgres stores tags as a real array; SQLite's TEXT column
		// gets them comma-joined.
		if s.dialect == DialectSQLite {
			args = append(args, strings.Join(tags, ","))
		} else {
			args = append(args, pq.Array(tags))
		}
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if rating != nil {
		args = append(args, *rating)
		sets = append(sets, fmt.Sprintf("rating = $%d", len(args)))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))
	return s.execExpectingRow(ctx, "review.update_metadata", table, id, query, args...)
}

// UpdateReview sets the review status of one row.
func (s *ReviewStore) UpdateReview(ctx context.Context, table string, id int64, status string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	if err := validReviewStatus(status); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET review_status = $1 WHERE id = $2", table)
	return s.execExpectingRow(ctx, "review.update_review", table, id, query, status, id)
}

// Delete removes one row from table.
func (s *ReviewStore) Delete(ctx context.Context, table string, id int64) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	return s.execExpectingRow(ctx, "review.delete", table, id, query, id)
}

// Promote copies a row from source into target, stripping the metadata
// columns and id; target columns with no source counterpart are left NULL.
// Returns the new row's id.
func (s *ReviewStore) Promote(ctx context.Context, source, target string, id int64) (int64, error) {
	if err := ValidateIdentifiers(source, target); err != nil {
		return 0, err
	}

	sourceSchema, err := Reflect(ctx, s.db, s.dialect, source)
	if err != nil {
		return 0, err
	}
	targetSchema, err := Reflect(ctx, s.db, s.dialect, target)
	if err != nil {
		return 0, err
	}

	sourceCols := make(map[string]bool, len(sourceSchema.Columns))
	for _, col := range sourceSchema.Columns {
		sourceCols[col.Name] = true
	}

	var copied []string
	for _, col := range targetSchema.Columns {
		if col.Name == "id" || IsMetadataColumn(col.Name) {
			continue
		}
		if sourceCols[col.Name] {
			copied = append(copied, col.Name)
		}
	}
	if len(copied) == 0 {
		return 0, apperr.Validation("review.promote", "columns", "No columns to copy")
	}

	cols := strings.Join(copied, ", ")
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s WHERE id = $1 RETURNING id",
		target, cols, cols, source,
	)
	var newID int64
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&newID); err != nil {
		if err == sql.ErrNoRows {
			return 0, apperr.NotFound("review.promote", source, fmt.Sprint(id))
		}
		return 0, apperr.New(apperr.KindQuery, "review.promote", err, map[string]any{"source": source, "target": target})
	}
	return newID, nil
}

func (s *ReviewStore) execExpectingRow(ctx context.Context, op, table string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.New(apperr.KindQuery, op, err, map[string]any{"table": table})
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound(op, table, fmt.Sprint(id))
	}
	return nil
}

func validReviewStatus(status string) error {
	switch models.ReviewStatus(status) {
	case models.ReviewPending, models.ReviewApproved, models.ReviewRejected:
		return nil
	}
	return apperr.Validation("review.status", "status", "status must be pending, approved or rejected")
}

// RowsToMaps scans every row into a column-keyed map, decoding []byte
// values to strings for JSON friendliness.
func RowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "review.scan", err, nil)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperr.New(apperr.KindQuery, "review.scan", err, nil)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.KindQuery, "review.scan", err, nil)
	}
	return out, nil
}
