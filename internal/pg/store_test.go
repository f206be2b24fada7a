package pg

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"treeleaf/internal/store"
	"treeleaf/internal/store/storetest"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db, zerolog.Nop()))
	return db
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewStore(openSQLite(t), zerolog.Nop())
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, Migrate(context.Background(), db, zerolog.Nop()))
}

func TestDetectDriver(t *testing.T) {
	d, name := DetectDriver("postgres://u:p@localhost/db")
	assert.Equal(t, DriverPostgres, d)
	assert.Equal(t, "pgx", name)

	d, name = DetectDriver("file:/tmp/x.db")
	assert.Equal(t, DriverSQLite, d)
	assert.Equal(t, "sqlite", name)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a=$1 AND b=$2", DriverPostgres.rebind("a=? AND b=?"))
	assert.Equal(t, "a=? AND b=?", DriverSQLite.rebind("a=? AND b=?"))
}

func TestDDL_Sections(t *testing.T) {
	pgDDL := DDL(DriverPostgres)
	assert.Contains(t, pgDDL, "100_nodes")
	assert.Contains(t, pgDDL, "200_foreign_keys")
	for name, sqlText := range pgDDL {
		assert.NotContains(t, strings.ToLower(sqlText), "trigger", name)
	}
	liteDDL := DDL(DriverSQLite)
	assert.NotContains(t, liteDDL, "200_foreign_keys")
	assert.Len(t, liteDDL, len(pgDDL)-1)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("treeleaf"),
		postgres.WithUsername("treeleaf"),
		postgres.WithPassword("treeleaf"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db, zerolog.Nop()))
	// повторное применение: 42710 на внешнем ключе пропускается
	require.NoError(t, Migrate(ctx, db, zerolog.Nop()))

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		// общая база: каждый подтест чистит таблицы
		n++
		_, err := db.ExecContext(ctx, "TRUNCATE tbl_nodes, tbl_formulas, tbl_conditions, tbl_tables, tbl_variables, tbl_submission_data, tbl_submissions")
		require.NoError(t, err, fmt.Sprintf("truncate #%d", n))
		return NewStore(db, zerolog.Nop())
	})
}
