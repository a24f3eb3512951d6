// Package pgtest starts throwaway PostgreSQL and S3 containers for
// integration tests. Tests opt in with OBJECTBASE_INTEGRATION=1.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	S3AccessKey = "objectbase"
	S3SecretKey = "objectbase-secret"
)

// Enabled reports whether integration tests were requested.
func Enabled() bool {
	return os.Getenv("OBJECTBASE_INTEGRATION") == "1"
}

// Skip skips t unless integration tests are enabled.
func Skip(t testing.TB) {
	t.Helper()
	if testing.Short() || !Enabled() {
		t.Skip("set OBJECTBASE_INTEGRATION=1 to run integration tests")
	}
}

// Harness holds the running dependencies of one integration test.
type Harness struct {
	PGContainer testcontainers.Container
	PGDSN       string
	PGDB        *sql.DB
	Pool        *pgxpool.Pool
	S3Container testcontainers.Container
	S3Endpoint  string
}

// StartPostgres starts a postgres container, waits until it accepts
// connections and opens both a database/sql handle and a pgx pool.
func (h *Harness) StartPostgres(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "objectbase",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	h.PGContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", err
	}
	h.PGDSN = fmt.Sprintf("postgres://postgres:password@%s:%s/objectbase?sslmode=disable", host, mapped.Port())

	db, err := sql.Open("postgres", h.PGDSN)
	if err != nil {
		return "", err
	}
	deadline := time.Now().Add(20 * time.Second)
	for {
		err := db.PingContext(ctx)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			return "", fmt.Errorf("postgres did not become ready: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	h.PGDB = db

	pool, err := pgxpool.New(ctx, h.PGDSN)
	if err != nil {
		return "", fmt.Errorf("open pgx pool: %w", err)
	}
	h.Pool = pool
	return h.PGDSN, nil
}

// Exec runs statements in order on the database/sql handle. Tests use it for
// fixtures that bypass the repositories.
func (h *Harness) Exec(ctx context.Context, stmts ...string) error {
	if h.PGDB == nil {
		return fmt.Errorf("postgres not started")
	}
	for i, s := range stmts {
		if _, err := h.PGDB.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
	}
	return nil
}

// StopPostgres closes the handles and terminates the container.
func (h *Harness) StopPostgres(ctx context.Context) error {
	if h.Pool != nil {
		h.Pool.Close()
		h.Pool = nil
	}
	if h.PGDB != nil {
		h.PGDB.Close()
		h.PGDB = nil
	}
	if h.PGContainer != nil {
		if err := h.PGContainer.Terminate(ctx); err != nil {
			return err
		}
		h.PGContainer = nil
	}
	return nil
}

// StartS3 starts an S3-compatible object store and returns its endpoint.
func (h *Harness) StartS3(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "rustfs/rustfs:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"RUSTFS_ACCESS_KEY": S3AccessKey,
			"RUSTFS_SECRET_KEY": S3SecretKey,
		},
		WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	h.S3Container = container
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := container.MappedPort(ctx, "9000")
	if err != nil {
		return "", err
	}
	h.S3Endpoint = fmt.Sprintf("http://%s:%s", host, mapped.Port())
	return h.S3Endpoint, nil
}

// StopS3 terminates the object store container.
func (h *Harness) StopS3(ctx context.Context) error {
	if h.S3Container != nil {
		if err := h.S3Container.Terminate(ctx); err != nil {
			return err
		}
		h.S3Container = nil
	}
	return nil
}

// Start brings up PostgreSQL for t and registers cleanup.
func Start(t testing.TB) *Harness {
	t.Helper()
	ctx := context.Background()
	h := &Harness{}
	if _, err := h.StartPostgres(ctx); err != nil {
		_ = h.StopPostgres(ctx)
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = h.StopPostgres(context.Background()) })
	return h
}
