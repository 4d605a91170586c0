package storage

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/schema"
	"github.com/nexusnarrative/narrator/pkg/models"
)

func newActor(t *testing.T) (*Actor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	a := NewActor(db, schema.DialectPostgres)
	t.Cleanup(func() {
		a.Close()
		db.Close()
	})
	return a, mock
}

func reflectColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "character_maximum_length", "column_default"})
}

func TestCallUnknownMessage(t *testing.T) {
	a, _ := newActor(t)
	err := a.Call(context.Background(), struct{ X int }{1})
	if !apperr.Is(err, apperr.KindBackend) {
		t.Fatalf("want Backend, got %v", err)
	}
}

func TestCallAfterClose(t *testing.T) {
	a, _ := newActor(t)
	a.Close()
	err := a.Call(context.Background(), StartGeneration{TableName: "x"})
	if !apperr.Is(err, apperr.KindBackend) {
		t.Fatalf("want Backend, got %v", err)
	}
}

func TestStartGenerationInsertsRunningRow(t *testing.T) {
	a, mock := newActor(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS content_generations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM content_generations WHERE table_name = $1")).
		WithArgs("potential_posts").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectExec("INSERT INTO content_generations").
		WithArgs("potential_posts", "daily.toml", "daily-digest", "running").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := a.Call(context.Background(), StartGeneration{
		TableName:     "potential_posts",
		NarrativeFile: "daily.toml",
		NarrativeName: "daily-digest",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStartGenerationConflictsOnTerminalRow(t *testing.T) {
	a, mock := newActor(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS content_generations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM content_generations WHERE table_name = $1")).
		WithArgs("potential_posts").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("success"))

	err := a.Call(context.Background(), StartGeneration{TableName: "potential_posts"})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("want Conflict, got %v", err)
	}
}

func TestCompleteGenerationMissingRow(t *testing.T) {
	a, mock := newActor(t)

	mock.ExpectExec("UPDATE content_generations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := a.Call(context.Background(), CompleteGeneration{
		TableName: "ghost",
		Status:    models.GenerationSuccess,
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestCreateTableFromTemplateIsIdempotent(t *testing.T) {
	a, mock := newActor(t)

	// The target table already has columns, so no DDL runs.
	mock.ExpectQuery("SELECT column_name").WithArgs("potential_posts").
		WillReturnRows(reflectColumns().AddRow("id", "integer", "NO", nil, nil))

	err := a.Call(context.Background(), CreateTableFromTemplate{
		Name:     "potential_posts",
		Template: "posts_template",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateTableFromTemplateRunsDDL(t *testing.T) {
	a, mock := newActor(t)

	mock.ExpectQuery("SELECT column_name").WithArgs("potential_posts").
		WillReturnRows(reflectColumns())
	mock.ExpectQuery("SELECT column_name").WithArgs("posts_template").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, "nextval('posts_id_seq')").
			AddRow("title", "text", "NO", nil, nil))
	mock.ExpectExec("CREATE TABLE potential_posts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := a.Call(context.Background(), CreateTableFromTemplate{
		Name:     "potential_posts",
		Template: "posts_template",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertContentBindsMatchingColumns(t *testing.T) {
	a, mock := newActor(t)

	mock.ExpectQuery("SELECT column_name").WithArgs("potential_posts").
		WillReturnRows(reflectColumns().
			AddRow("id", "integer", "NO", nil, nil).
			AddRow("title", "text", "NO", nil, nil).
			AddRow("body", "text", "NO", nil, nil).
			AddRow("source_narrative", "text", "YES", nil, nil).
			AddRow("source_act", "text", "YES", nil, nil).
			AddRow("generation_model", "text", "YES", nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO potential_posts (title, body, source_narrative, source_act, generation_model) VALUES ($1, $2, $3, $4, $5)")).
		WithArgs("X", "Y", "daily-digest", "draft", "flash").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := a.Call(context.Background(), InsertContent{
		Table:     "potential_posts",
		JSONData:  map[string]any{"title": "X", "body": "Y", "stray": "dropped"},
		Narrative: "daily-digest",
		Act:       "draft",
		Model:     "flash",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertContentNoMatchingColumns(t *testing.T) {
	a, mock := newActor(t)

	mock.ExpectQuery("SELECT column_name").WithArgs("potential_posts").
		WillReturnRows(reflectColumns().AddRow("id", "integer", "NO", nil, nil))

	err := a.Call(context.Background(), InsertContent{
		Table:    "potential_posts",
		JSONData: map[string]any{"nope": 1},
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("want Validation, got %v", err)
	}
}

func TestTrackingTableDDLPerDialect(t *testing.T) {
	if ddl := trackingTableDDL(schema.DialectPostgres); !strings.Contains(ddl, "DEFAULT NOW()") {
		t.Fatalf("postgres DDL:\n%s", ddl)
	}
	sqlite := trackingTableDDL(schema.DialectSQLite)
	if !strings.Contains(sqlite, "DEFAULT CURRENT_TIMESTAMP") || strings.Contains(sqlite, "NOW()") {
		t.Fatalf("sqlite DDL:\n%s", sqlite)
	}
}

func TestStartGenerationSQLiteDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	a := NewActor(db, schema.DialectSQLite)
	t.Cleanup(func() {
		a.Close()
		db.Close()
	})

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS content_generations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM content_generations WHERE table_name = $1")).
		WithArgs("potential_posts").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectExec("INSERT INTO content_generations").
		WithArgs("potential_posts", "daily.toml", "daily-digest", "running").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = a.Call(context.Background(), StartGeneration{
		TableName:     "potential_posts",
		NarrativeFile: "daily.toml",
		NarrativeName: "daily-digest",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
