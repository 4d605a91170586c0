package schema

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// Dialect selects the SQL flavour for reflection and generated DDL. The
// engine speaks two: Postgres for shared deployments, SQLite for the
// zero-config local mode.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// NowExpr returns the dialect's current-timestamp expression.
func (d Dialect) NowExpr() string {
	if d == DialectSQLite {
		return "CURRENT_TIMESTAMP"
	}
	return "NOW()"
}

const reflectPostgresQuery = `
SELECT column_name, data_type, is_nullable, character_maximum_length, column_default
FROM information_schema.columns
WHERE table_name = $1
ORDER BY ordinal_position`

const reflectSQLiteQuery = `
SELECT name, type, "notnull", dflt_value
FROM pragma_table_info($1)
ORDER BY cid`

var sqliteVarcharPattern = regexp.MustCompile(`(?i)^(?:character varying|varchar)\((\d+)\)$`)

// Reflect queries a table's column metadata in ordinal order. A table
// with no columns does not exist.
func Reflect(ctx context.Context, db *sql.DB, dialect Dialect, table string) (models.TableSchema, error) {
	if err := ValidateIdentifier(table); err != nil {
		return models.TableSchema{}, err
	}
	if dialect == DialectSQLite {
		return reflectSQLite(ctx, db, table)
	}
	return reflectPostgres(ctx, db, table)
}

func reflectPostgres(ctx context.Context, db *sql.DB, table string) (models.TableSchema, error) {
	rows, err := db.QueryContext(ctx, reflectPostgresQuery, table)
	if err != nil {
		return models.TableSchema{}, apperr.New(apperr.KindQuery, "schema.reflect", err, map[string]any{"table": table})
	}
	defer rows.Close()

	out := models.TableSchema{TableName: table}
	for rows.Next() {
		var (
			col       models.ColumnInfo
			nullable  string
			maxLength sql.NullInt64
			colDef    sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &maxLength, &colDef); err != nil {
			return models.TableSchema{}, apperr.New(apperr.KindQuery, "schema.reflect", err, map[string]any{"table": table})
		}
		col.Nullable = nullable == "YES"
		if maxLength.Valid {
			v := int(maxLength.Int64)
			col.MaxLength = &v
		}
		if colDef.Valid {
			v := colDef.String
			col.Default = &v
		}
		out.Columns = append(out.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return models.TableSchema{}, apperr.New(apperr.KindQuery, "schema.reflect", err, map[string]any{"table": table})
	}
	if len(out.Columns) == 0 {
		return models.TableSchema{}, apperr.NotFound("schema.reflect", "table", table)
	}
	return out, nil
}

// reflectSQLite reads pragma_table_info, normalizing SQLite's free-form
// declared types into the same shapes the Postgres path reports so the
// prompt assembler and DDL generator see one vocabulary.
func reflectSQLite(ctx context.Context, db *sql.DB, table string) (models.TableSchema, error) {
	rows, err := db.QueryContext(ctx, reflectSQLiteQuery, table)
	if err != nil {
		return models.TableSchema{}, apperr.New(apperr.KindQuery, "schema.reflect", err, map[string]any{"table": table})
	}
	defer rows.Close()

	out := models.TableSchema{TableName: table}
	for rows.Next() {
		var (
			col      models.ColumnInfo
			declared string
			notNull  int
			colDef   sql.NullString
		)
		if err := rows.Scan(&col.Name, &declared, &notNull, &colDef); err != nil {
			return models.TableSchema{}, apperr.New(apperr.KindQuery, "schema.reflect", err, map[string]any{"table": table})
		}
		col.DataType, col.MaxLength = normalizeSQLiteType(declared)
		col.Nullable = notNull == 0
		if colDef.Valid {
			v := colDef.String
			col.Default = &v
		}
		out.Columns = append(out.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return models.TableSchema{}, apperr.New(apperr.KindQuery, "schema.reflect", err, map[string]any{"table": table})
	}
	if len(out.Columns) == 0 {
		return models.TableSchema{}, apperr.NotFound("schema.reflect", "table", table)
	}
	return out, nil
}

func normalizeSQLiteType(declared string) (string, *int) {
	declared = strings.TrimSpace(declared)
	if m := sqliteVarcharPattern.FindStringSubmatch(declared); m != nil {
		n := 0
		for _, r := range m[1] {
			n = n*10 + int(r-'0')
		}
		return "character varying", &n
	}
	switch strings.ToUpper(declared) {
	case "INTEGER", "INT":
		return "bigint", nil
	case "REAL":
		return "double precision", nil
	case "TIMESTAMP", "DATETIME":
		return "timestamp without time zone", nil
	case "":
		return "text", nil
	}
	return strings.ToLower(declared), nil
}

// TableExists reports whether a table has any reflected columns.
func TableExists(ctx context.Context, db *sql.DB, dialect Dialect, table string) (bool, error) {
	_, err := Reflect(ctx, db, dialect, table)
	if err == nil {
		return true, nil
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return false, err
}
