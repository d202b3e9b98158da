package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/storage"
)

const (
	testBucket   = "pairtrace-test"
	minioUser    = "minioadmin"
	minioSecret  = "minioadmin"
	minioRetries = 10
)

// TestEnvironment bundles the containers and clients an integration test
// needs: a migrated PostgreSQL database and a MinIO bucket.
type TestEnvironment struct {
	DB                *db.DB
	Storage           *storage.S3Storage
	PostgresContainer *postgres.PostgresContainer
	MinioContainer    *tcminio.MinioContainer
	Ctx               context.Context
}

// SetupTestEnvironment starts both containers and registers teardown via
// t.Cleanup. Call once per test function.
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	ctx := context.Background()

	env := &TestEnvironment{Ctx: ctx}
	t.Cleanup(func() { env.Cleanup(t) })

	env.startPostgres(t, ctx)
	env.startMinio(t, ctx)
	return env
}

func (e *TestEnvironment) startPostgres(t *testing.T, ctx context.Context) {
	t.Helper()
	t.Log("Starting PostgreSQL container...")

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pairtrace_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	e.PostgresContainer = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get postgres connection string: %v", err)
	}

	e.DB, err = db.Connect(connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := RunMigrations(e.DB.Conn()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
}

func (e *TestEnvironment) startMinio(t *testing.T, ctx context.Context) {
	t.Helper()
	t.Log("Starting MinIO container...")

	container, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername(minioUser),
		tcminio.WithPassword(minioSecret),
	)
	if err != nil {
		t.Fatalf("Failed to start minio container: %v", err)
	}
	e.MinioContainer = container

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get minio endpoint: %v", err)
	}

	if err := createBucket(ctx, endpoint); err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}

	// MinIO can need a moment after the bucket call before it serves
	// bucket metadata reliably.
	for attempt := 1; ; attempt++ {
		e.Storage, err = storage.NewS3Storage(storage.S3Config{
			Endpoint:        endpoint,
			AccessKeyID:     minioUser,
			SecretAccessKey: minioSecret,
			BucketName:      testBucket,
			UseSSL:          false,
		})
		if err == nil {
			return
		}
		if attempt == minioRetries {
			t.Fatalf("Failed to create S3 storage after %d retries: %v", minioRetries, err)
		}
		t.Logf("MinIO not ready yet, retrying... (%d/%d)", attempt, minioRetries)
		time.Sleep(500 * time.Millisecond)
	}
}

func createBucket(ctx context.Context, endpoint string) error {
	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(minioUser, minioSecret, ""),
		Secure: false,
	})
	if err != nil {
		return err
	}
	err = client.MakeBucket(ctx, testBucket, miniogo.MakeBucketOptions{})
	if err != nil {
		if exists, checkErr := client.BucketExists(ctx, testBucket); checkErr == nil && exists {
			return nil
		}
		return err
	}
	return nil
}

// Cleanup stops containers and closes connections.
func (e *TestEnvironment) Cleanup(t *testing.T) {
	t.Helper()

	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			t.Logf("Warning: failed to close database: %v", err)
		}
	}
	if e.PostgresContainer != nil {
		if err := e.PostgresContainer.Terminate(e.Ctx); err != nil {
			t.Logf("Warning: failed to terminate postgres container: %v", err)
		}
	}
	if e.MinioContainer != nil {
		if err := e.MinioContainer.Terminate(e.Ctx); err != nil {
			t.Logf("Warning: failed to terminate minio container: %v", err)
		}
	}
}

// CleanDB truncates all tables, in reverse dependency order, for
// per-subtest isolation.
func (e *TestEnvironment) CleanDB(t *testing.T) {
	t.Helper()

	tables := []string{
		"role_switches",
		"pair_sessions",
		"chat_messages",
		"chat_interactions",
		"code_snapshots",
		"analytics_events",
		"sessions",
		"users",
	}

	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := e.DB.Exec(context.Background(), query); err != nil {
			t.Fatalf("Failed to truncate table %s: %v", table, err)
		}
	}
}
