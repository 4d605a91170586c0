package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(db), mock
}

func sampleExecution() *models.NarrativeExecution {
	model := "flash"
	return &models.NarrativeExecution{
		NarrativeName: "daily-digest",
		Status:        models.StatusCompleted,
		StartedAt:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		ActExecutions: []models.ActExecution{
			{
				ActName:        "draft",
				Inputs:         []models.Input{models.TextInput("write it")},
				Model:          &model,
				Response:       "done",
				SequenceNumber: 0,
			},
		},
	}
}

func TestSaveExecutionIsTransactional(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO narrative_executions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO act_executions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO act_inputs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := store.SaveExecution(context.Background(), sampleExecution())
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveExecutionRollsBackOnFailure(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO narrative_executions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO act_executions").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := store.SaveExecution(context.Background(), sampleExecution())
	if !apperr.Is(err, apperr.KindQuery) {
		t.Fatalf("want Query error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadExecutionNotFound(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery("SELECT narrative_name").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"narrative_name", "status", "started_at", "completed_at", "error"}))

	_, err := store.LoadExecution(context.Background(), "ghost")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestListExecutionsBuildsConjunctiveFilter(t *testing.T) {
	store, mock := mockStore(t)

	after := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("e.narrative_name = $1 AND e.status = $2 AND e.started_at > $3")).
		WithArgs("daily-digest", "completed", after).
		WillReturnRows(sqlmock.NewRows([]string{"id", "narrative_name", "status", "started_at", "completed_at", "act_count"}).
			AddRow("id-1", "daily-digest", "completed", after, nil, 3))

	out, err := store.ListExecutions(context.Background(), models.ExecutionFilter{
		NarrativeName: "daily-digest",
		Status:        models.StatusCompleted,
		StartedAfter:  &after,
		Limit:         10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ActCount != 3 {
		t.Fatalf("out = %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateStatusMissingExecution(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("UPDATE narrative_executions SET status").
		WithArgs("failed", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateStatus(context.Background(), "ghost", models.StatusFailed)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestDeleteExecution(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("DELETE FROM narrative_executions").
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteExecution(context.Background(), "id-1"); err != nil {
		t.Fatal(err)
	}
}
