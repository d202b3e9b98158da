package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// soloPrefix groups snapshots captured outside a pair session.
const soloPrefix = "solo"

// ArchiveSnapshot compresses a snapshot's code content with zstd and
// uploads it. Returns the object key for the database backfill.
// Key format: snapshots/{pair_session_id|solo}/{snapshot_id}.txt.zst
func (s *S3Storage) ArchiveSnapshot(ctx context.Context, pairSessionID, snapshotID, content string) (string, error) {
	ctx, span := tracer.Start(ctx, "storage.archive_snapshot",
		trace.WithAttributes(
			attribute.String("snapshot.id", snapshotID),
			attribute.String("pair_session.token", pairSessionID),
			attribute.Int("snapshot.raw_size", len(content)),
		))
	defer span.End()

	compressed, err := compressZstd([]byte(content))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}

	key := snapshotKey(pairSessionID, snapshotID)
	reader := bytes.NewReader(compressed)
	_, err = s.client.PutObject(ctx, s.bucket, key, reader, int64(len(compressed)), minio.PutObjectOptions{
		ContentType: "application/zstd",
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classifyStorageError(err, "archive snapshot")
	}

	span.SetAttributes(attribute.Int("snapshot.stored_size", len(compressed)))
	return key, nil
}

// FetchSnapshot downloads and decompresses an archived snapshot by key.
func (s *S3Storage) FetchSnapshot(ctx context.Context, key string) (string, error) {
	ctx, span := tracer.Start(ctx, "storage.fetch_snapshot",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classifyStorageError(err, "fetch snapshot")
	}
	defer object.Close()

	compressed, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classifyStorageError(err, "fetch snapshot")
	}

	content, err := decompressZstd(compressed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	span.SetAttributes(attribute.Int("snapshot.raw_size", len(content)))
	return string(content), nil
}

// DeleteSnapshot removes an archived snapshot object.
func (s *S3Storage) DeleteSnapshot(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "storage.delete_snapshot",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyStorageError(err, "delete snapshot")
	}
	return nil
}

func snapshotKey(pairSessionID, snapshotID string) string {
	prefix := pairSessionID
	if prefix == "" {
		prefix = soloPrefix
	}
	return fmt.Sprintf("snapshots/%s/%s.txt.zst", prefix, snapshotID)
}

func compressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
