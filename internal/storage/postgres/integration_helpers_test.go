package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func openPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	truncateAllTablesForIntegrationTest(t, store)

	return store
}

// openRawPostgresStoreForIntegrationTest сначала пробует DSN из окружения,
// затем поднимает контейнер через testcontainers. Если ничего не доступно, тест пропускается.
func openRawPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	candidates := []string{
		strings.TrimSpace(os.Getenv("INVENTORY_POSTGRES_TEST_DSN")),
		strings.TrimSpace(os.Getenv("INVENTORY_POSTGRES_DSN")),
	}

	var openErrs []string
	for _, dsn := range candidates {
		if dsn == "" {
			continue
		}
		store, err := tryOpen(dsn)
		if err == nil {
			t.Cleanup(func() { _ = store.Close() })
			return store
		}
		openErrs = append(openErrs, fmt.Sprintf("%s: %v", dsn, err))
	}

	dsn, err := startPostgresContainer(t)
	if err != nil {
		openErrs = append(openErrs, fmt.Sprintf("testcontainers: %v", err))
		t.Skipf("postgres is not available for integration tests: %s", strings.Join(openErrs, " | "))
	}

	store, err := tryOpen(dsn)
	if err != nil {
		t.Skipf("postgres container is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tryOpen(dsn string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return Open(ctx, dsn)
}

func startPostgresContainer(t *testing.T) (dsn string, err error) {
	t.Helper()
	if os.Getenv("INVENTORY_SKIP_CONTAINERS") != "" {
		return "", fmt.Errorf("containers disabled by INVENTORY_SKIP_CONTAINERS")
	}

	// testcontainers паникует без docker-провайдера на некоторых платформах.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker provider unavailable: %v", r)
		}
	}()

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("inventory_test"),
		tcpostgres.WithUsername("inventory"),
		tcpostgres.WithPassword("inventory"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return "", err
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(context.Background()); termErr != nil {
			t.Logf("terminate postgres container: %v", termErr)
		}
	})

	return container.ConnectionString(ctx, "sslmode=disable")
}

func truncateAllTablesForIntegrationTest(t *testing.T, store *Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx, `
		TRUNCATE TABLE
			outbox_messages,
			order_lines,
			orders,
			products,
			categories
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
}
