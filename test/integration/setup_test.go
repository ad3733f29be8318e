//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/hms/internal/domain/pharmacy"
	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/internal/platform/events"
	"github.com/hospital/hms/migrations"
)

// globalPool is shared by every test and initialised once in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("HMS_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 20})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// createTenantSchema creates a tenant schema with every migration applied and
// drops it when the test ends.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	if err := db.CreateTenantSchema(ctx, globalPool, tenantID, migrations.FS); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() {
		schema := fmt.Sprintf("tenant_%s", tenantID)
		if _, err := globalPool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})
}

// uniqueTenantID keeps concurrently running tests in separate schemas.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// inTenant runs fn on a tenant-scoped connection as pharmacist "pharm-1".
func inTenant(t *testing.T, ctx context.Context, tenantID string, fn func(ctx context.Context) error) {
	t.Helper()
	ctx = context.WithValue(ctx, auth.UserIDKey, "pharm-1")
	if err := db.WithTenantConn(ctx, globalPool, tenantID, fn); err != nil {
		t.Fatalf("tenant %s: %v", tenantID, err)
	}
}

type services struct {
	pharmacy      *pharmacy.Service
	prescriptions *prescription.Service
	events        *events.Recorder
}

func newServices() services {
	rec := &events.Recorder{}
	drugRepo := pharmacy.NewDrugRepoPG(globalPool)
	rxRepo := prescription.NewRepoPG(globalPool)
	tx := db.NewTxRunner(globalPool)
	return services{
		pharmacy: pharmacy.NewService(
			drugRepo,
			pharmacy.NewBatchRepoPG(globalPool),
			pharmacy.NewAdjustmentRepoPG(globalPool),
			pharmacy.NewDispensedRepoPG(globalPool),
			rxRepo,
			tx,
			rec,
			zerolog.Nop(),
			pharmacy.DefaultOptions(),
		),
		prescriptions: prescription.NewService(rxRepo, drugRepo, tx, zerolog.Nop()),
		events:        rec,
	}
}

func createDrug(t *testing.T, ctx context.Context, svc *pharmacy.Service, name string, reorder int) *pharmacy.Drug {
	t.Helper()
	d := &pharmacy.Drug{Name: name, Category: "Antibiotic", Unit: "capsule", ReorderLevel: reorder}
	if err := svc.CreateDrug(ctx, d); err != nil {
		t.Fatalf("create drug %s: %v", name, err)
	}
	return d
}

func createBatch(t *testing.T, ctx context.Context, svc *pharmacy.Service, drugID uuid.UUID, number string, qty int) *pharmacy.DrugBatch {
	t.Helper()
	now := time.Now().UTC().Truncate(24 * time.Hour)
	b, err := svc.CreateBatch(ctx, pharmacy.CreateBatchInput{
		DrugID:            drugID,
		BatchNumber:       number,
		Quantity:          qty,
		ManufacturingDate: now.AddDate(0, -3, 0),
		ExpiryDate:        now.AddDate(1, 0, 0),
		UnitCost:          decimal.RequireFromString("0.50"),
	})
	if err != nil {
		t.Fatalf("create batch %s: %v", number, err)
	}
	return b
}

func createPrescription(t *testing.T, ctx context.Context, svc *prescription.Service, drugIDs ...uuid.UUID) *prescription.Prescription {
	t.Helper()
	p := &prescription.Prescription{PatientID: uuid.New(), PrescriberID: uuid.New(), DrugIDs: drugIDs}
	if err := svc.Create(ctx, p); err != nil {
		t.Fatalf("create prescription: %v", err)
	}
	return p
}
