package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

const userColumns = `user_id, email, university_domain, created_at, last_active_at, settings`

// FindOrCreateUser finds an existing user by email or creates a new one.
// The email is a case-sensitive key. Uses catch-and-retry to handle race
// conditions on concurrent creates: a unique violation on insert means a
// concurrent writer won, so the insert is rolled back to a savepoint and
// the existing row is re-fetched.
func (t *Tx) FindOrCreateUser(ctx context.Context, email string, seenAt time.Time) (*models.User, error) {
	ctx, span := tracer.Start(ctx, "db.find_or_create_user",
		trace.WithAttributes(attribute.String("user.email_domain", domainOf(email))))
	defer span.End()

	selectQuery := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	// Try to find existing user first
	user, err := scanUser(t.tx.QueryRowContext(ctx, selectQuery, email))
	if err == nil {
		span.SetAttributes(attribute.Bool("user.created", false))
		return user, nil
	}
	if err != sql.ErrNoRows {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// Not found - create with derived domain. The insert is fenced with a
	// savepoint because a unique violation would otherwise abort the
	// enclosing batch transaction.
	if err := t.Savepoint(ctx, "create_user"); err != nil {
		return nil, err
	}

	insertQuery := `
		INSERT INTO users (email, university_domain, created_at, last_active_at)
		VALUES ($1, NULLIF($2, ''), $3, $3)
		RETURNING ` + userColumns

	user, err = scanUser(t.tx.QueryRowContext(ctx, insertQuery, email, domainOf(email), seenAt.UTC()))
	if err == nil {
		span.SetAttributes(attribute.Bool("user.created", true))
		if relErr := t.Release(ctx, "create_user"); relErr != nil {
			return nil, relErr
		}
		return user, nil
	}

	// Check if it's a unique constraint violation (race condition - a
	// concurrent batch created the user)
	if isUniqueViolation(err) {
		span.SetAttributes(attribute.Bool("user.race_condition", true))
		if rbErr := t.RollbackTo(ctx, "create_user"); rbErr != nil {
			return nil, rbErr
		}
		user, err = scanUser(t.tx.QueryRowContext(ctx, selectQuery, email))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to find user after conflict: %w", err)
		}
		return user, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, fmt.Errorf("failed to create user: %w", err)
}

// TouchUserLastActive advances last_active_at to the event's timestamp.
// Only applied to the active actor of an event, and only forward in time
// (out-of-order batches must not rewind the marker).
func (t *Tx) TouchUserLastActive(ctx context.Context, userID int64, seenAt time.Time) error {
	query := `UPDATE users SET last_active_at = $2 WHERE user_id = $1 AND last_active_at < $2`
	if _, err := t.tx.ExecContext(ctx, query, userID, seenAt.UTC()); err != nil {
		return fmt.Errorf("failed to update user last_active_at: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(db.conn.QueryRowContext(ctx, query, email))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID
func (db *DB) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE user_id = $1`
	user, err := scanUser(db.conn.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.UserID,
		&user.Email,
		&user.UniversityDomain,
		&user.CreatedAt,
		&user.LastActiveAt,
		&user.Settings,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// domainOf derives the university domain from an email address.
// Returns "" when the address has no @ (stored as NULL).
func domainOf(email string) string {
	if i := strings.Index(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}
