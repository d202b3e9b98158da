package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/logger"
	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

var tracer = otel.Tracer("pairtrace/ingest")

// ErrTooManyFailures reports a batch whose failure ratio exceeded one
// half; all of its writes, including log rows, have been rolled back.
// The threshold tolerates sporadic malformed events from client bugs
// without masking systemic failures that break most of a batch.
var ErrTooManyFailures = errors.New("batch failure ratio exceeded one half")

// SnapshotArchiver stores a compressed copy of snapshot content in
// object storage. Implemented by storage.S3Storage; nil disables
// archiving.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, pairSessionID, snapshotID, content string) (string, error)
}

// Pipeline ingests event batches. One instance is shared across
// requests; all per-batch state lives on the stack or in the batch
// transaction.
type Pipeline struct {
	db      *db.DB
	archive SnapshotArchiver
}

// NewPipeline creates an ingestion pipeline. archiver may be nil.
func NewPipeline(database *db.DB, archiver SnapshotArchiver) *Pipeline {
	return &Pipeline{db: database, archive: archiver}
}

// EventError is a per-event failure entry in a batch result.
type EventError struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Error     string `json:"error"`
}

// EventWarning is a per-event diagnostic: soft no-ops and failed
// secondary side-effects that did not fail the event.
type EventWarning struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Warning   string `json:"warning"`
}

// BatchResult summarizes one ingested batch.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    []EventError
	Warnings  []EventWarning
}

// archiveJob is a deferred snapshot upload, run only after the batch
// commits (object storage writes cannot be rolled back).
type archiveJob struct {
	snapshotID    string
	pairSessionID string
	content       string
}

// resolvedIDs are the identities an event references, mapped to user ids.
type resolvedIDs struct {
	actor     *int64
	driver    *int64
	navigator *int64
	newDriver *int64
}

// Ingest processes a batch of raw events in array order inside one
// transaction. Each event is normalized, logged, and dispatched to its
// type-specific handler; failures are isolated per event with
// savepoints. If more than half the events fail, the whole batch is
// rolled back and ErrTooManyFailures is returned alongside the result.
func (p *Pipeline) Ingest(ctx context.Context, envelopes []Envelope) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.batch",
		trace.WithAttributes(attribute.Int("batch.size", len(envelopes))))
	defer span.End()

	result := &BatchResult{Total: len(envelopes)}

	tx, err := p.db.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer tx.Rollback()

	cache := newBatchCache()
	var archives []archiveJob

	for i := range envelopes {
		env := &envelopes[i]
		jobs, warnings, evErr := p.processEvent(ctx, tx, cache, env)
		result.Warnings = appendWarnings(result.Warnings, env, warnings)
		if evErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, EventError{
				EventID:   env.EventID,
				EventType: env.EventType,
				Error:     evErr.Error(),
			})
			logger.Ctx(ctx).Warn("event failed",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"error", evErr)
			continue
		}
		result.Succeeded++
		archives = append(archives, jobs...)
	}

	span.SetAttributes(
		attribute.Int("batch.succeeded", result.Succeeded),
		attribute.Int("batch.failed", result.Failed),
	)

	// Strictly more than half failed: discard everything, including
	// log rows already written this batch.
	if result.Failed*2 > result.Total {
		if err := tx.Rollback(); err != nil {
			logger.Ctx(ctx).Error("batch rollback failed", "error", err)
		}
		span.SetStatus(codes.Error, ErrTooManyFailures.Error())
		return result, ErrTooManyFailures
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Post-commit secondary side-effects: snapshot archives. Failures
	// are diagnostics, never batch failures.
	for _, job := range archives {
		if warn := p.runArchiveJob(ctx, job); warn != "" {
			result.Warnings = append(result.Warnings, EventWarning{
				EventID:   job.snapshotID,
				EventType: TypeCodeSnapshot,
				Warning:   warn,
			})
		}
	}

	return result, nil
}

// processEvent runs one event through normalize, identity resolution,
// the log write, and the type-specific handler. Savepoints fence the log
// write and the handler separately: a handler failure is recorded but
// does not undo the log row already written for the event.
func (p *Pipeline) processEvent(ctx context.Context, tx *db.Tx, cache *batchCache, env *Envelope) ([]archiveJob, []string, error) {
	ev, err := Normalize(env)
	if err != nil {
		return nil, nil, err
	}

	// Identity and session resolution is shared batch state, outside the
	// per-event savepoints: a created user stays created even when the
	// referencing event later fails.
	ids, err := p.resolveIdentities(ctx, tx, cache, ev)
	if err != nil {
		return nil, nil, err
	}

	session, err := p.resolveSession(ctx, tx, cache, ev, ids)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Savepoint(ctx, "event_log"); err != nil {
		return nil, nil, err
	}
	if err := tx.InsertEvent(ctx, buildLogRow(ev, ids)); err != nil {
		if rbErr := tx.RollbackTo(ctx, "event_log"); rbErr != nil {
			return nil, nil, rbErr
		}
		return nil, nil, err
	}

	if err := tx.Savepoint(ctx, "event_handler"); err != nil {
		return nil, nil, err
	}
	jobs, warnings, err := p.applyEvent(ctx, tx, ev, ids, session)
	if err != nil {
		// The handler failed but the log row stands
		if rbErr := tx.RollbackTo(ctx, "event_handler"); rbErr != nil {
			return nil, nil, rbErr
		}
		return nil, warnings, err
	}
	return jobs, warnings, nil
}

// resolveIdentities maps the event's zero to three emails to user ids.
// Only the active actor's last-seen marker is advanced, and to the
// event's timestamp rather than wall clock.
func (p *Pipeline) resolveIdentities(ctx context.Context, tx *db.Tx, cache *batchCache, ev *NormalizedEvent) (resolvedIDs, error) {
	var ids resolvedIDs

	if ev.ActorEmail != "" {
		user, err := cache.resolveUser(ctx, tx, ev.ActorEmail, ev.Timestamp)
		if err != nil {
			return ids, fmt.Errorf("failed to resolve actor: %w", err)
		}
		ids.actor = &user.UserID
		if err := tx.TouchUserLastActive(ctx, user.UserID, ev.Timestamp); err != nil {
			return ids, err
		}
	}
	if ev.DriverEmail != "" {
		user, err := cache.resolveUser(ctx, tx, ev.DriverEmail, ev.Timestamp)
		if err != nil {
			return ids, fmt.Errorf("failed to resolve driver: %w", err)
		}
		ids.driver = &user.UserID
	}
	if ev.NavigatorEmail != "" {
		user, err := cache.resolveUser(ctx, tx, ev.NavigatorEmail, ev.Timestamp)
		if err != nil {
			return ids, fmt.Errorf("failed to resolve navigator: %w", err)
		}
		ids.navigator = &user.UserID
	}
	// The incoming driver of a role switch is resolved here, not in the
	// handler: a handler rollback must not leave the cache holding a user
	// row the savepoint undid.
	if ev.Kind == KindRoleSwitch && ev.PairSessionID != nil {
		user, err := cache.resolveUser(ctx, tx, ev.RoleSwitch.NewDriverEmail, ev.Timestamp)
		if err != nil {
			return ids, fmt.Errorf("failed to resolve new driver: %w", err)
		}
		ids.newDriver = &user.UserID
	}
	return ids, nil
}

// resolveSession finds or creates the raw session an event references.
// Ownership is first-writer-wins: the owner recorded on first sight is
// never reassigned by later events.
func (p *Pipeline) resolveSession(ctx context.Context, tx *db.Tx, cache *batchCache, ev *NormalizedEvent, ids resolvedIDs) (*models.Session, error) {
	if ev.SessionID == nil {
		return nil, nil
	}
	return cache.resolveSession(ctx, tx, db.SessionParams{
		SessionID:    *ev.SessionID,
		UserID:       ids.actor,
		DeviceID:     ev.DeviceID,
		StartTime:    ev.Timestamp,
		PlatformInfo: ev.PlatformInfo,
	})
}

func buildLogRow(ev *NormalizedEvent, ids resolvedIDs) *models.AnalyticsEvent {
	return &models.AnalyticsEvent{
		EventID:         ev.EventID,
		EventType:       ev.EventType,
		UserID:          ids.actor,
		SessionID:       ev.SessionID,
		PairSessionID:   ev.PairSessionID,
		ConversationID:  ev.ConversationID,
		DriverUserID:    ids.driver,
		NavigatorUserID: ids.navigator,
		DeviceID:        ev.DeviceID,
		PlatformInfo:    ev.PlatformInfo,
		EventTimestamp:  ev.Timestamp,
		Payload:         ev.Payload,
	}
}

func (p *Pipeline) runArchiveJob(ctx context.Context, job archiveJob) string {
	if p.archive == nil {
		return ""
	}
	key, err := p.archive.ArchiveSnapshot(ctx, job.pairSessionID, job.snapshotID, job.content)
	if err != nil {
		logger.Ctx(ctx).Warn("snapshot archive failed", "snapshot_id", job.snapshotID, "error", err)
		return fmt.Sprintf("snapshot archive failed: %v", err)
	}
	if err := p.db.SetSnapshotArchiveKey(ctx, job.snapshotID, key); err != nil {
		logger.Ctx(ctx).Warn("failed to record archive key", "snapshot_id", job.snapshotID, "error", err)
		return fmt.Sprintf("archive key not recorded: %v", err)
	}
	return ""
}

func appendWarnings(dst []EventWarning, env *Envelope, warnings []string) []EventWarning {
	for _, w := range warnings {
		dst = append(dst, EventWarning{
			EventID:   env.EventID,
			EventType: env.EventType,
			Warning:   w,
		})
	}
	return dst
}
