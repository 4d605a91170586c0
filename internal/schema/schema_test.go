package schema

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"posts", "_hidden", "a", "potential_posts", "T1", strings.Repeat("a", 63)}
	for _, name := range valid {
		if err := ValidateIdentifier(name); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", name, err)
		}
	}

	invalid := []string{"", "1abc", "drop table", "posts;--", "a-b", "tbl.col", strings.Repeat("a", 64)}
	for _, name := range invalid {
		err := ValidateIdentifier(name)
		if err == nil {
			t.Errorf("ValidateIdentifier(%q) should fail", name)
			continue
		}
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("ValidateIdentifier(%q) kind = %v", name, apperr.KindOf(err))
		}
	}
}

func reflectColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "character_maximum_length", "column_default"})
}

func TestReflect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT column_name").
		WithArgs("posts_template").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, "nextval('posts_id_seq')").
			AddRow("title", "character varying", "NO", 120, nil).
			AddRow("body", "text", "NO", nil, nil))

	schema, err := Reflect(context.Background(), db, DialectPostgres, "posts_template")
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Columns) != 3 || schema.Columns[1].Name != "title" {
		t.Fatalf("schema = %+v", schema)
	}
	if schema.Columns[1].MaxLength == nil || *schema.Columns[1].MaxLength != 120 {
		t.Fatalf("title max length = %v", schema.Columns[1].MaxLength)
	}
	if schema.Columns[0].Default == nil || !strings.Contains(*schema.Columns[0].Default, "nextval") {
		t.Fatalf("id default = %v", schema.Columns[0].Default)
	}
}

func TestReflectMissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT column_name").WithArgs("ghost").WillReturnRows(reflectColumns())

	_, err = Reflect(context.Background(), db, DialectPostgres, "ghost")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func strp(s string) *string { return &s }
func intp(v int) *int { return &v }

func TestGenerateCreateTableSQL(t *testing.T) {
	source := models.TableSchema{
		TableName: "posts_template",
		Columns: []models.ColumnInfo{
			{Name: "id", DataType: "integer", Nullable: false, Default: strp("nextval('posts_id_seq'::regclass)")},
			{Name: "title", DataType: "character varying", Nullable: false, MaxLength: intp(120)},
			{Name: "body", DataType: "text", Nullable: false},
			{Name: "author_id", DataType: "bigint", Nullable: false},
			{Name: "created_at", DataType: "timestamp without time zone", Nullable: true, Default: strp("now()")},
		},
	}

	sql, err := GenerateCreateTableSQL(DialectPostgres, "potential_posts", source)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"CREATE TABLE potential_posts",
		"id SERIAL PRIMARY KEY",
		"title VARCHAR(120) NOT NULL",
		"body TEXT NOT NULL",
		"generated_at TIMESTAMP NOT NULL DEFAULT NOW()",
		"review_status TEXT DEFAULT 'pending'",
		"tags TEXT[]",
		"rating INTEGER",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("DDL missing %q:\n%s", want, sql)
		}
	}
	// Foreign keys become nullable for generated content.
	if strings.Contains(sql, "author_id BIGINT NOT NULL") {
		t.Errorf("author_id should be nullable:\n%s", sql)
	}
	if !strings.Contains(sql, "author_id BIGINT") {
		t.Errorf("author_id column dropped:\n%s", sql)
	}
	if strings.Contains(sql, "nextval") {
		t.Errorf("sequence default leaked:\n%s", sql)
	}
}

func TestGenerateCreateTableSQLRejectsBadTarget(t *testing.T) {
	_, err := GenerateCreateTableSQL(DialectPostgres, "bad table", models.TableSchema{})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("want Validation, got %v", err)
	}
}

func TestInferCreateTableSQL(t *testing.T) {
	sample := map[string]any{
		"title":   "X",
		"count":   float64(3),
		"score":   1.5,
		"active":  true,
		"labels":  []any{"a"},
		"details": map[string]any{"k": "v"},
	}
	sql, err := InferCreateTableSQL(DialectPostgres, "inferred", sample)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"id SERIAL PRIMARY KEY",
		"title TEXT",
		"count BIGINT",
		"score DOUBLE PRECISION",
		"active BOOLEAN",
		"labels JSONB",
		"details JSONB",
		"generated_at TIMESTAMP NOT NULL DEFAULT NOW()",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("DDL missing %q:\n%s", want, sql)
		}
	}
	// Alphabetical column order keeps the statement deterministic.
	if strings.Index(sql, "active BOOLEAN") > strings.Index(sql, "title TEXT") {
		t.Errorf("columns not sorted:\n%s", sql)
	}

	if _, err := InferCreateTableSQL(DialectPostgres, "empty", map[string]any{}); err == nil {
		t.Fatal("empty sample should fail")
	}
}

func TestUpdateMetadataRatingBounds(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewReviewStore(db, DialectPostgres)

	for _, bad := range []int{0, 6, -1} {
		v := bad
		err := store.UpdateMetadata(context.Background(), "posts", 1, nil, &v)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("rating %d: want Validation, got %v", bad, err)
		}
	}
}

func TestUpdateMetadataValidRating(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewReviewStore(db, DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE posts SET rating = $1 WHERE id = $2")).
		WithArgs(4, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := 4
	if err := store.UpdateMetadata(context.Background(), "posts", 7, nil, &v); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateReviewStatusValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewReviewStore(db, DialectPostgres)

	err = store.UpdateReview(context.Background(), "posts", 1, "published")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("want Validation, got %v", err)
	}
}

func TestUpdateReviewMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewReviewStore(db, DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE posts SET review_status = $1 WHERE id = $2")).
		WithArgs("approved", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateReview(context.Background(), "posts", 99, "approved")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestPromoteNoOverlap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewReviewStore(db, DialectPostgres)

	mock.ExpectQuery("SELECT column_name").WithArgs("source_t").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, nil).
			AddRow("headline", "text", "NO", nil, nil))
	mock.ExpectQuery("SELECT column_name").WithArgs("target_t").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, nil).
			AddRow("body", "text", "NO", nil, nil))

	_, err = store.Promote(context.Background(), "source_t", "target_t", 1)
	if err == nil || !strings.Contains(err.Error(), "No columns to copy") {
		t.Fatalf("want no-columns error, got %v", err)
	}
}

func TestPromoteCopiesOverlap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewReviewStore(db, DialectPostgres)

	mock.ExpectQuery("SELECT column_name").WithArgs("potential_posts").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, nil).
			AddRow("title", "text", "NO", nil, nil).
			AddRow("body", "text", "NO", nil, nil).
			AddRow("rating", "integer", "YES", nil, nil))
	mock.ExpectQuery("SELECT column_name").WithArgs("posts").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, nil).
			AddRow("title", "text", "NO", nil, nil).
			AddRow("body", "text", "NO", nil, nil).
			AddRow("slug", "text", "YES", nil, nil))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO posts (title, body) SELECT title, body FROM potential_posts WHERE id = $1 RETURNING id")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	newID, err := store.Promote(context.Background(), "potential_posts", "posts", 5)
	if err != nil {
		t.Fatal(err)
	}
	if newID != 42 {
		t.Fatalf("newID = %d", newID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
