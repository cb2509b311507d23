// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/tradeguard/internal/storage"
)

// appTables are truncated between tests, children first.
var appTables = []string{"withdrawals", "ledger_entries", "accounts", "disputes", "orders", "user_tiers"}

// PGTest returns a migrated database and a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is set that database is used, otherwise a throwaway
// postgres container is started. The test is skipped when neither is
// available. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbURL := os.Getenv("POSTGRES_URL")
	var ctr *tcpostgres.PostgresContainer
	if dbURL == "" {
		var err error
		ctr, err = tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("tradeguard"),
			tcpostgres.WithUsername("tradeguard"),
			tcpostgres.WithPassword("tradeguard"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("pgtest: no POSTGRES_URL and container start failed: %v", err)
		}
		if dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable"); err != nil {
			_ = testcontainers.TerminateContainer(ctr)
			t.Fatalf("pgtest: connection string: %v", err)
		}
	}

	terminate := func() {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := storage.Migrate(ctx, db, nil); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(context.Background(), db)
		_ = db.Close()
		terminate()
	}
	return db, cleanup
}

func truncateAll(ctx context.Context, db *sql.DB) {
	for _, table := range appTables {
		_, _ = db.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE")
	}
}
