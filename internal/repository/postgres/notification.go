package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

const uniqueViolation = "23505"

const logColumns = `id, correlation_id, subject_id, channel, recipient, subject, body, template_id,
	status, retry_count, provider_message_id, sent_at, error_details, created_at, updated_at`

// LogStore implements domain.LogStore using PostgreSQL
type LogStore struct {
	db *DB
}

// NewLogStore creates a new LogStore
func NewLogStore(db *DB) *LogStore {
	return &LogStore{db: db}
}

// Insert creates a log entry and fills its ID
func (r *LogStore) Insert(ctx context.Context, e *domain.LogEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	query := `
		INSERT INTO notification_logs (
			correlation_id, subject_id, channel, recipient, subject, body, template_id,
			status, retry_count, provider_message_id, sent_at, error_details, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		e.CorrelationID, e.SubjectID, e.Channel, e.Recipient, e.Subject, e.Body, e.TemplateID,
		e.Status, e.RetryCount, e.ProviderMessageID, e.SentAt, e.ErrorDetails, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err, "correlation_id") {
			return domain.ErrDuplicateCorrelationID
		}
		return fmt.Errorf("failed to insert notification log: %w", err)
	}

	return nil
}

// GetByID retrieves a log entry by ID
func (r *LogStore) GetByID(ctx context.Context, id int64) (*domain.LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM notification_logs WHERE id = $1`
	return scanLogEntry(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByCorrelationID retrieves a log entry by correlation id
func (r *LogStore) GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*domain.LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM notification_logs WHERE correlation_id = $1`
	return scanLogEntry(r.db.Pool.QueryRow(ctx, query, correlationID))
}

// Update applies u in one conditional statement so concurrent workers cannot
// move an entry out of a terminal status.
func (r *LogStore) Update(ctx context.Context, correlationID uuid.UUID, u domain.LogUpdate) (*domain.LogEntry, error) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	sources := domain.SourcesOf(u.Status)
	allowed := make([]string, len(sources))
	for i, s := range sources {
		allowed[i] = string(s)
	}

	query := `
		UPDATE notification_logs SET
			status = $2,
			retry_count = COALESCE($3, retry_count),
			sent_at = COALESCE($4, sent_at),
			error_details = CASE
				WHEN $5::text IS NOT NULL THEN $5::text
				WHEN $6 THEN NULL
				ELSE error_details
			END,
			provider_message_id = COALESCE($7, provider_message_id),
			updated_at = $8
		WHERE correlation_id = $1 AND status = ANY($9)
		RETURNING ` + logColumns

	entry, err := scanLogEntry(r.db.Pool.QueryRow(ctx, query,
		correlationID, u.Status, u.RetryCount, u.SentAt, u.ErrorDetails, u.ClearError,
		u.ProviderMessageID, u.At, allowed,
	))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to update notification log: %w", err)
	}

	// No row matched: either the entry is missing or its status forbids the move.
	var current domain.Status
	err = r.db.Pool.QueryRow(ctx, `SELECT status FROM notification_logs WHERE correlation_id = $1`, correlationID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read notification status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current, u.Status)
}

// List lists log entries with filters and pagination
func (r *LogStore) List(ctx context.Context, filter domain.LogFilter) (*domain.LogListResult, error) {
	filter.Normalize()

	conditions := []string{"1=1"}
	args := []any{}
	argIndex := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *filter.Status)
		argIndex++
	}

	if filter.Channel != nil {
		conditions = append(conditions, fmt.Sprintf("channel = $%d", argIndex))
		args = append(args, *filter.Channel)
		argIndex++
	}

	if filter.SubjectID != nil {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", argIndex))
		args = append(args, *filter.SubjectID)
		argIndex++
	}

	whereClause := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM notification_logs WHERE %s", whereClause)
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count notification logs: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	query := fmt.Sprintf(`
		SELECT %s
		FROM notification_logs
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, logColumns, whereClause, argIndex, argIndex+1)

	args = append(args, filter.PageSize, offset)
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.LogEntry, 0)
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification logs: %w", err)
	}

	totalPages := int(total) / filter.PageSize
	if int(total)%filter.PageSize > 0 {
		totalPages++
	}

	return &domain.LogListResult{
		Entries:    entries,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: totalPages,
	}, nil
}

func scanLogEntry(row pgx.Row) (*domain.LogEntry, error) {
	e := &domain.LogEntry{}
	err := row.Scan(
		&e.ID, &e.CorrelationID, &e.SubjectID, &e.Channel, &e.Recipient, &e.Subject, &e.Body, &e.TemplateID,
		&e.Status, &e.RetryCount, &e.ProviderMessageID, &e.SentAt, &e.ErrorDetails, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan notification log: %w", err)
	}
	return e, nil
}

// isUniqueViolation reports whether err is a unique violation on a constraint
// whose name mentions column.
func isUniqueViolation(err error, column string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, column)
}
