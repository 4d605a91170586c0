// Package repository is the durable system of record: narrative
// executions with their acts and inputs in SQL, media bytes in
// content-addressed storage. Postgres serves shared deployments, SQLite
// the zero-config local mode; both honour the same contract.
package repository

import (
	"context"

	"github.com/nexusnarrative/narrator/pkg/models"
)

// Repository persists narrative executions.
type Repository interface {
	// SaveExecution persists the execution, its acts and their inputs in
	// one transaction, returning the assigned id.
	SaveExecution(ctx context.Context, ex *models.NarrativeExecution) (string, error)
	// LoadExecution returns a stored execution with all acts and inputs.
	LoadExecution(ctx context.Context, id string) (*models.NarrativeExecution, error)
	// ListExecutions returns summaries matching the filter, ordered by id.
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionSummary, error)
	// UpdateStatus transitions a stored execution's status.
	UpdateStatus(ctx context.Context, id string, status models.ExecutionStatus) error
	// DeleteExecution removes an execution and, by cascade, its acts.
	DeleteExecution(ctx context.Context, id string) error
}

// MediaStore persists media bytes by content hash.
type MediaStore interface {
	// StoreMedia writes data (or references an existing identical blob)
	// and returns a fresh logical reference.
	StoreMedia(ctx context.Context, data []byte, meta models.MediaMetadata) (*models.MediaReference, error)
	// LoadMedia reads the referenced bytes, verifying the content hash.
	LoadMedia(ctx context.Context, ref *models.MediaReference) ([]byte, error)
	// GetMediaByHash finds an existing reference for a content hash.
	GetMediaByHash(ctx context.Context, hash string) (*models.MediaReference, error)
}
