package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMapLockErr(t *testing.T) {
	lockErr := &pgconn.PgError{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"}

	err := mapLockErr(lockErr)
	require.ErrorIs(t, err, ErrLockTimeout)

	// The mapping must see through wrapping, the way repository errors
	// arrive from deeper in a unit of work.
	err = mapLockErr(fmt.Errorf("ledger: commit: %w", lockErr))
	require.ErrorIs(t, err, ErrLockTimeout)

	other := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	require.Equal(t, other, mapLockErr(other))

	plain := errors.New("connection reset")
	require.Equal(t, plain, mapLockErr(plain))
}

// The store inserts NULLIF(...) into columns it reads back with COALESCE.
// Those columns must be declared nullable, or every insert carrying an empty
// optional value dies on a not-null violation.
func TestSchemaAllowsNullOptionalColumns(t *testing.T) {
	schema := readSchema(t)

	cases := []struct {
		table  string
		column string
	}{
		{"stock_transactions", "reason"},
		{"stock_transactions", "witness"},
		{"stock_alerts", "acknowledged_by"},
		{"stock_alerts", "resolved_by"},
		{"verification_records", "scanned_identifier"},
		{"verification_records", "method"},
		{"verification_records", "override_reason"},
		{"verification_records", "overridden_by"},
		{"verification_records", "witness"},
		{"verification_errors", "detail"},
	}
	for _, tc := range cases {
		t.Run(tc.table+"."+tc.column, func(t *testing.T) {
			def := columnDef(t, schema, tc.table, tc.column)
			require.NotContains(t, def, "NOT NULL",
				"column %s.%s receives explicit NULLs from the store", tc.table, tc.column)
		})
	}
}

// The idempotency of alert reconciliation and the single-open-attempt rule
// both live in partial unique indexes; a schema without them silently loses
// those guarantees.
func TestSchemaDeclaresPartialUniqueIndexes(t *testing.T) {
	schema := readSchema(t)
	require.Contains(t, schema, "uq_stock_alerts_active")
	require.Contains(t, schema, "uq_verification_records_pending")
	require.Regexp(t, regexp.MustCompile(`uq_stock_alerts_active\s+ON stock_alerts \(batch_id, alert_type\)\s+WHERE status = 'ACTIVE'`), schema)
	require.Regexp(t, regexp.MustCompile(`uq_verification_records_pending\s+ON verification_records \(administration_id\)\s+WHERE status = 'PENDING'`), schema)
}

func readSchema(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "..", "scripts", "schema.sql"))
	require.NoError(t, err)
	return string(raw)
}

// columnDef extracts the declaration line for one column inside one CREATE
// TABLE block.
func columnDef(t *testing.T, schema, table, column string) string {
	t.Helper()
	start := strings.Index(schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	require.GreaterOrEqual(t, start, 0, "table %s not declared", table)
	block := schema[start:]
	end := strings.Index(block, ");")
	require.GreaterOrEqual(t, end, 0)
	block = block[:end]
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, column+" ") || trimmed == column+"," || trimmed == column {
			return trimmed
		}
	}
	t.Fatalf("column %s not declared on %s", column, table)
	return ""
}
