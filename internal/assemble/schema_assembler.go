package assemble

import (
	"context"
	"database/sql"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/schema"
)

// SchemaAssembler reflects a template table on demand and prepends its
// field requirements to content-focus prompts.
type SchemaAssembler struct {
	db      *sql.DB
	dialect schema.Dialect
	table   string
}

// NewSchemaAssembler builds an assembler over the template table.
func NewSchemaAssembler(db *sql.DB, dialect schema.Dialect, table string) *SchemaAssembler {
	return &SchemaAssembler{db: db, dialect: dialect, table: table}
}

// Assemble turns a content focus into the full schema prompt. A missing
// template table passes the focus through untouched, so narratives
// without one still run.
func (a *SchemaAssembler) Assemble(ctx context.Context, contentFocus string) (string, error) {
	if a.table == "" || !IsContentFocus(contentFocus) {
		return contentFocus, nil
	}
	reflected, err := schema.Reflect(ctx, a.db, a.dialect, a.table)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return contentFocus, nil
		}
		return "", err
	}
	return Prompt(reflected, contentFocus), nil
}
