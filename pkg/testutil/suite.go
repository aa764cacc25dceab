package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/pharmaportal/pharmaportal-backend/pkg/database"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
)

// IntegrationEnv enables tests that start a PostgreSQL container
const IntegrationEnv = "PHARMAPORTAL_INTEGRATION"

var (
	// Global test container (shared across all integration tests)
	globalContainer *PostgresContainer
	globalDB        *sqlx.DB
	containerOnce   sync.Once
	containerErr    error
)

// IntegrationSuite provides a base for integration tests with real PostgreSQL
type IntegrationSuite struct {
	Container *PostgresContainer
	RawDB     *sqlx.DB
	DB        *database.DB
	Fixtures  *FixtureFactory
	Logger    *logger.Logger
}

// IntegrationEnabled reports whether integration tests were requested
func IntegrationEnabled() bool {
	return os.Getenv(IntegrationEnv) == "1"
}

// NewIntegrationSuite starts (or reuses) the shared container and applies
// the migrations. Call it from TestMain after checking IntegrationEnabled.
//
// Usage:
//
//	var suite *testutil.IntegrationSuite
//
//	func TestMain(m *testing.M) {
//	    if !testutil.IntegrationEnabled() {
//	        os.Exit(m.Run())
//	    }
//	    ctx := context.Background()
//	    var err error
//	    suite, err = testutil.NewIntegrationSuite(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    testutil.TerminateContainer(ctx)
//	    os.Exit(code)
//	}
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	container, db, err := getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	if err := container.Migrate(db); err != nil {
		return nil, err
	}

	log := logger.Nop()
	return &IntegrationSuite{
		Container: container,
		RawDB:     db,
		DB:        database.Wrap(db.DB, log),
		Fixtures:  NewFixtureFactory(),
		Logger:    log,
	}, nil
}

// getOrCreateContainer returns the shared test container
func getOrCreateContainer(ctx context.Context) (*PostgresContainer, *sqlx.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx)
	})

	return globalContainer, globalDB, containerErr
}

// Reset empties every table so each test starts from a blank database
func (s *IntegrationSuite) Reset(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := s.RawDB.ExecContext(ctx, `TRUNCATE reconciliation_exceptions, barman_orders,
		consolidated_drug_status, order_items, orders, pharmacies,
		chemical_drugs, medical_supplies, natural_products CASCADE`)
	if err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}
}

// SkipUnlessIntegration skips t unless integration tests were requested
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if !IntegrationEnabled() {
		t.Skipf("set %s=1 to run integration tests", IntegrationEnv)
	}
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}
