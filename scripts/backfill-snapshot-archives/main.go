// backfill-snapshot-archives
//
// One-time script to archive code snapshots that were ingested before S3
// was configured. Queries rows where archive_key IS NULL, uploads the
// compressed content, and records the key.
//
// Usage:
//   DATABASE_URL=... S3_ENDPOINT=... AWS_ACCESS_KEY_ID=... AWS_SECRET_ACCESS_KEY=... BUCKET_NAME=... go run ./scripts/backfill-snapshot-archives
//
// Flags:
//   -dry-run    Print what would be archived without making changes
//   -batch      Batch size for processing (default: 100)

package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/PairTraceDev/pairtrace-web/internal/storage"
)

type pendingSnapshot struct {
	snapshotID    string
	pairSessionID sql.NullString
	content       string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Print what would be archived without making changes")
	batchSize := flag.Int("batch", 100, "Batch size for processing")
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	s3Config := storage.S3Config{
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		BucketName:      os.Getenv("BUCKET_NAME"),
		UseSSL:          os.Getenv("S3_USE_SSL") != "false",
	}
	if s3Config.Endpoint == "" || s3Config.AccessKeyID == "" || s3Config.SecretAccessKey == "" || s3Config.BucketName == "" {
		log.Fatal("S3_ENDPOINT, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and BUCKET_NAME are required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	store, err := storage.NewS3Storage(s3Config)
	if err != nil {
		log.Fatalf("Failed to connect to S3: %v", err)
	}
	log.Println("Connected to S3")

	ctx := context.Background()
	query := `
		SELECT snapshot_id, pair_session_id, code_content
		FROM code_snapshots
		WHERE archive_key IS NULL AND code_content != ''
		ORDER BY captured_at
		LIMIT $1
	`

	totalProcessed := 0
	totalArchived := 0
	totalErrors := 0

	for {
		rows, err := db.QueryContext(ctx, query, *batchSize)
		if err != nil {
			log.Fatalf("Failed to query code_snapshots: %v", err)
		}

		var pending []pendingSnapshot
		for rows.Next() {
			var p pendingSnapshot
			if err := rows.Scan(&p.snapshotID, &p.pairSessionID, &p.content); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			pending = append(pending, p)
		}
		rows.Close()

		if len(pending) == 0 {
			break
		}

		log.Printf("Processing batch of %d snapshots...", len(pending))

		for _, p := range pending {
			totalProcessed++

			if *dryRun {
				log.Printf("[DRY-RUN] Would archive snapshot=%s (%d bytes)", p.snapshotID, len(p.content))
				continue
			}

			key, err := store.ArchiveSnapshot(ctx, p.pairSessionID.String, p.snapshotID, p.content)
			if err != nil {
				log.Printf("Error archiving snapshot=%s: %v", p.snapshotID, err)
				totalErrors++
				continue
			}

			_, err = db.ExecContext(ctx,
				`UPDATE code_snapshots SET archive_key = $1 WHERE snapshot_id = $2`, key, p.snapshotID)
			if err != nil {
				log.Printf("Error recording key for snapshot=%s: %v", p.snapshotID, err)
				totalErrors++
				continue
			}

			totalArchived++
			log.Printf("Archived snapshot=%s key=%s", p.snapshotID, key)
		}

		if *dryRun {
			// The dry run never clears archive_key, so one batch is enough.
			break
		}

		// Small delay to avoid overwhelming the systems
		time.Sleep(100 * time.Millisecond)
	}

	log.Println("========================================")
	log.Printf("Backfill complete:")
	log.Printf("  Total processed: %d", totalProcessed)
	if *dryRun {
		log.Printf("  Would archive: %d", totalProcessed)
	} else {
		log.Printf("  Archived: %d", totalArchived)
	}
	log.Printf("  Errors: %d", totalErrors)
}
