package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/observ"
)

const recordColumns = `
	id, recipient_email, recipient_account, recipient_name, email_type,
	batch_id, subject, sendgrid_message_id, status, sent_at, opened_at,
	last_opened_at, open_count, error_message, created_at, updated_at
`

// ErrRecordNotFound is returned by point lookups when no row matches.
var ErrRecordNotFound = errors.New("tracking record not found")

// Repository handles database operations for email tracking records
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new tracking record repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateTrackingRecord inserts a new record in pending state. The id must
// already be assigned by the caller so it can ride along in the outbound
// send metadata before the insert is confirmed.
func (r *Repository) CreateTrackingRecord(ctx context.Context, rec *EmailTrackingRecord) error {
	if strings.TrimSpace(rec.RecipientEmail) == "" {
		return fmt.Errorf("recipient email is required")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	query := `
		INSERT INTO email_tracking_records (
			id, recipient_email, recipient_account, recipient_name, email_type,
			batch_id, subject, status, open_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, 0
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rec.ID,
		rec.RecipientEmail,
		rec.RecipientAccount,
		rec.RecipientName,
		rec.EmailType,
		rec.BatchID,
		rec.Subject,
		rec.Status,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create tracking record",
			zap.Error(err),
			zap.String("record_id", rec.ID.String()),
		)
		return fmt.Errorf("insert tracking record: %w", err)
	}

	r.logger.Info("tracking record created",
		zap.String("record_id", rec.ID.String()),
		zap.String("recipient", observ.RedactEmail(rec.RecipientEmail)),
		zap.String("email_type", rec.EmailType),
	)

	return nil
}

// GetTrackingRecord retrieves a record by ID
func (r *Repository) GetTrackingRecord(ctx context.Context, id uuid.UUID) (*EmailTrackingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM email_tracking_records WHERE id = $1`

	rec, err := scanRecord(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query tracking record: %w", err)
	}

	return rec, nil
}

// UpdateSendStatus applies a partial status patch. The WHERE clause encodes
// the status machine: pending -> sent -> delivered, with bounced/failed
// reachable from pending or sent only. A patch that would move backwards or
// out of a terminal state matches zero rows, which is a no-op rather than an
// error so that replayed webhook deliveries stay idempotent.
func (r *Repository) UpdateSendStatus(ctx context.Context, id uuid.UUID, patch StatusPatch) (bool, error) {
	query := `
		UPDATE email_tracking_records
		SET status = $2,
		    sendgrid_message_id = COALESCE($3, sendgrid_message_id),
		    sent_at = COALESCE($4, sent_at),
		    error_message = COALESCE($5, error_message),
		    updated_at = NOW()
		WHERE id = $1
		  AND (
		    (status = 'pending' AND $2 IN ('sent', 'delivered', 'bounced', 'failed'))
		    OR (status = 'sent' AND $2 IN ('delivered', 'bounced', 'failed'))
		  )
	`

	result, err := r.db.Pool().Exec(ctx, query, id, patch.Status,
		patch.SendGridMessageID, patch.SentAt, patch.ErrorMessage)
	if err != nil {
		r.logger.Error("failed to update send status",
			zap.Error(err),
			zap.String("record_id", id.String()),
			zap.String("status", patch.Status),
		)
		return false, fmt.Errorf("update send status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// RecordOpen counts an accepted open event. The increment happens in SQL, not
// read-then-write, so concurrent webhook deliveries for the same record never
// lose a count; LEAST/GREATEST keep opened_at/last_opened_at correct when
// events arrive out of chronological order.
func (r *Repository) RecordOpen(ctx context.Context, id uuid.UUID, openedAt time.Time) error {
	query := `
		UPDATE email_tracking_records
		SET open_count = open_count + 1,
		    opened_at = LEAST(COALESCE(opened_at, $2), $2),
		    last_opened_at = GREATEST(COALESCE(last_opened_at, $2), $2),
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, openedAt)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	return nil
}

// ExistsByEmail reports whether any record was ever created for the address.
// Used to drop webhook noise for recipients this system never sent to.
func (r *Repository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_tracking_records WHERE LOWER(recipient_email) = LOWER($1))`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists by email: %w", err)
	}
	return exists, nil
}

// FindByEmailAndMessageID looks up a record by the exact (recipient, provider
// message id) pair.
func (r *Repository) FindByEmailAndMessageID(ctx context.Context, email, messageID string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id FROM email_tracking_records
		WHERE LOWER(recipient_email) = LOWER($1) AND sendgrid_message_id = $2
	`, email, messageID).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("find by email and message id: %w", err)
	}

	return id, true, nil
}

// FindUniqueRecentCandidate returns a record id only when exactly one record
// for the address, still in pending or sent state, was created within the
// window. Zero candidates and more than one candidate both return no match;
// guessing among several in-flight sends would attribute events to the wrong
// record.
func (r *Repository) FindUniqueRecentCandidate(ctx context.Context, email string, window time.Duration) (uuid.UUID, bool, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id FROM email_tracking_records
		WHERE LOWER(recipient_email) = LOWER($1)
		  AND status IN ('pending', 'sent')
		  AND created_at >= NOW() - $2::interval
		LIMIT 2
	`, email, window)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query recent candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return uuid.Nil, false, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, false, fmt.Errorf("iterate candidates: %w", err)
	}

	if len(ids) != 1 {
		return uuid.Nil, false, nil
	}
	return ids[0], true, nil
}

// ListByEmail retrieves records for a recipient, newest first.
func (r *Repository) ListByEmail(ctx context.Context, email string, limit, offset int) ([]*EmailTrackingRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM email_tracking_records
		WHERE LOWER(recipient_email) = LOWER($1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, email, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query tracking records: %w", err)
	}
	defer rows.Close()

	var records []*EmailTrackingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// MarkStalePendingFailed closes out records that have sat in pending longer
// than olderThan: the send path crashed between creating the record and
// confirming the dispatch. Returns the ids that were flipped to failed.
func (r *Repository) MarkStalePendingFailed(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE email_tracking_records
		SET status = 'failed',
		    error_message = 'send not confirmed before timeout',
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_tracking_records
			WHERE status = 'pending' AND created_at < NOW() - $1::interval
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("mark stale pending: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanRecord(row pgx.Row) (*EmailTrackingRecord, error) {
	var rec EmailTrackingRecord
	err := row.Scan(
		&rec.ID,
		&rec.RecipientEmail,
		&rec.RecipientAccount,
		&rec.RecipientName,
		&rec.EmailType,
		&rec.BatchID,
		&rec.Subject,
		&rec.SendGridMessageID,
		&rec.Status,
		&rec.SentAt,
		&rec.OpenedAt,
		&rec.LastOpenedAt,
		&rec.OpenCount,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
