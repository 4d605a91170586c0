package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// MetadataColumns are appended to every generated content table, in this
// order. Promote strips them when copying a row into a production table.
var MetadataColumns = []string{
	"generated_at",
	"source_narrative",
	"source_act",
	"generation_model",
	"review_status",
	"tags",
	"rating",
}

// IsMetadataColumn reports whether name is one of the appended columns.
func IsMetadataColumn(name string) bool {
	for _, c := range MetadataColumns {
		if c == name {
			return true
		}
	}
	return false
}

// metadataColumnsDDL renders the appended columns for the dialect. The
// tags column is a real TEXT[] on Postgres and comma-joined TEXT on
// SQLite, which has no array type.
func metadataColumnsDDL(d Dialect) string {
	tagsType := "TEXT[]"
	if d == DialectSQLite {
		tagsType = "TEXT"
	}
	return fmt.Sprintf(`    generated_at TIMESTAMP NOT NULL DEFAULT %s,
    source_narrative TEXT,
    source_act TEXT,
    generation_model TEXT,
    review_status TEXT DEFAULT 'pending',
    tags %s,
    rating INTEGER`, d.NowExpr(), tagsType)
}

func serialPrimaryKey(d Dialect) string {
	if d == DialectSQLite {
		return "    id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "    id SERIAL PRIMARY KEY"
}

// GenerateCreateTableSQL builds the CREATE TABLE statement for target
// from a reflected source schema. Foreign-key columns (`*_id`, but not
// the literal `id`) become nullable so generated content does not need
// real references; sequence-backed defaults are dropped; the metadata
// columns are appended.
func GenerateCreateTableSQL(d Dialect, target string, source models.TableSchema) (string, error) {
	if err := ValidateIdentifier(target); err != nil {
		return "", err
	}

	var defs []string
	for _, col := range source.Columns {
		if IsMetadataColumn(col.Name) {
			continue
		}
		if err := ValidateIdentifier(col.Name); err != nil {
			return "", err
		}

		if col.Name == "id" && col.Default != nil && strings.Contains(*col.Default, "nextval") {
			defs = append(defs, serialPrimaryKey(d))
			continue
		}

		def := "    " + col.Name + " " + columnType(d, col)
		nullable := col.Nullable
		if strings.HasSuffix(col.Name, "_id") && col.Name != "id" {
			nullable = true
		}
		if !nullable {
			def += " NOT NULL"
		}
		if col.Default != nil && !strings.Contains(*col.Default, "nextval") {
			def += " DEFAULT " + columnDefault(d, *col.Default)
		}
		defs = append(defs, def)
	}
	defs = append(defs, metadataColumnsDDL(d))

	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", target, strings.Join(defs, ",\n")), nil
}

// columnType maps reflected data types back to DDL type names for the
// dialect.
func columnType(d Dialect, col models.ColumnInfo) string {
	base := ""
	switch col.DataType {
	case "character varying":
		if col.MaxLength != nil {
			base = fmt.Sprintf("VARCHAR(%d)", *col.MaxLength)
		} else {
			base = "VARCHAR"
		}
	case "timestamp without time zone":
		base = "TIMESTAMP"
	case "timestamp with time zone":
		base = "TIMESTAMPTZ"
	case "ARRAY":
		base = "TEXT[]"
	case "double precision":
		base = "DOUBLE PRECISION"
	default:
		base = strings.ToUpper(col.DataType)
	}
	if d == DialectSQLite {
		switch base {
		case "TEXT[]", "JSONB", "JSON":
			return "TEXT"
		case "TIMESTAMPTZ":
			return "TIMESTAMP"
		case "DOUBLE PRECISION":
			return "REAL"
		case "BIGINT", "SERIAL":
			return "INTEGER"
		}
	}
	return base
}

// columnDefault rewrites defaults the target dialect cannot evaluate.
func columnDefault(d Dialect, def string) string {
	if d == DialectSQLite && strings.EqualFold(strings.TrimSpace(def), "now()") {
		return "CURRENT_TIMESTAMP"
	}
	return def
}

// InferCreateTableSQL builds a CREATE TABLE statement for target from
// the first JSON sample of the content to store. Field order is
// alphabetical for determinism; the metadata columns are appended.
func InferCreateTableSQL(d Dialect, target string, sample map[string]any) (string, error) {
	if err := ValidateIdentifier(target); err != nil {
		return "", err
	}
	if len(sample) == 0 {
		return "", apperr.Validation("schema.infer", "sample", "cannot infer a table from an empty object")
	}

	names := make([]string, 0, len(sample))
	for name := range sample {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := []string{serialPrimaryKey(d)}
	for _, name := range names {
		if name == "id" || IsMetadataColumn(name) {
			continue
		}
		if err := ValidateIdentifier(name); err != nil {
			return "", err
		}
		defs = append(defs, "    "+name+" "+inferColumnType(d, sample[name]))
	}
	defs = append(defs, metadataColumnsDDL(d))

	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", target, strings.Join(defs, ",\n")), nil
}

// inferColumnType picks a column type from a decoded JSON value.
func inferColumnType(d Dialect, v any) string {
	base := "TEXT"
	switch val := v.(type) {
	case bool:
		base = "BOOLEAN"
	case float64:
		if val == math.Trunc(val) {
			base = "BIGINT"
		} else {
			base = "DOUBLE PRECISION"
		}
	case json.Number:
		if _, err := val.Int64(); err == nil {
			base = "BIGINT"
		} else {
			base = "DOUBLE PRECISION"
		}
	case string:
		base = "TEXT"
	case []any, map[string]any:
		base = "JSONB"
	}
	if d == DialectSQLite {
		switch base {
		case "JSONB":
			return "TEXT"
		case "DOUBLE PRECISION":
			return "REAL"
		case "BIGINT":
			return "INTEGER"
		}
	}
	return base
}
