// Package schema reflects relational table shapes and builds the dynamic
// DDL/DML the content-generation path needs. Every runtime-chosen table or
// column name passes through ValidateIdentifier before reaching SQL text;
// values always travel as bind parameters.
package schema

import (
	"regexp"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier rejects any name unfit for direct use as a SQL
// identifier. This is the single choke point for dynamic names.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return apperr.Validation("schema.identifier", "identifier", "invalid SQL identifier: "+name)
	}
	return nil
}

// ValidateIdentifiers validates a batch of names, failing on the first
// offender.
func ValidateIdentifiers(names ...string) error {
	for _, n := range names {
		if err := ValidateIdentifier(n); err != nil {
			return err
		}
	}
	return nil
}
