package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
)

const deadLetterColumns = `entry_id, transaction_id, failure_reason, failure_type, attempt_count, requires_manual_review,
	review_status, reviewer, resolution_notes, rearmed, created_at, updated_at, resolved_at`

func scanDeadLetter(row rowScanner) (*model.DeadLetterEntry, error) {
	e := &model.DeadLetterEntry{}
	var reason, reviewer, notes sql.NullString
	if err := row.Scan(&e.EntryID, &e.TransactionID, &reason, &e.FailureType, &e.AttemptCount, &e.RequiresManualReview,
		&e.ReviewStatus, &reviewer, &notes, &e.Rearmed, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt); err != nil {
		return nil, err
	}
	e.FailureReason = reason.String
	e.Reviewer = reviewer.String
	e.ResolutionNotes = notes.String
	return e, nil
}

// upsertDeadLetter inserts a new active entry or refreshes the existing one for the same transaction.
func upsertDeadLetter(ctx context.Context, tx *sql.Tx, dl *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	if dl.EntryID == "" {
		dl.EntryID = model.GenerateUUIDWithSuffix("dlq")
	}
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO paylane.dead_letters (entry_id, transaction_id, failure_reason, failure_type, attempt_count,
			requires_manual_review, review_status, rearmed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $8)
		ON CONFLICT (transaction_id) WHERE review_status IN ('PENDING', 'IN_REVIEW')
		DO UPDATE SET failure_reason = EXCLUDED.failure_reason, failure_type = EXCLUDED.failure_type,
			attempt_count = EXCLUDED.attempt_count, updated_at = EXCLUDED.updated_at
		RETURNING %s`, deadLetterColumns),
		dl.EntryID, dl.TransactionID, dl.FailureReason, dl.FailureType, dl.AttemptCount, dl.RequiresManualReview,
		model.ReviewPending, dl.CreatedAt,
	)
	return scanDeadLetter(row)
}

func (d Datasource) GetDeadLetter(ctx context.Context, entryID string) (*model.DeadLetterEntry, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.dead_letters WHERE entry_id = $1`, deadLetterColumns), entryID)
	e, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Dead letter entry '%s' not found", entryID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dead letter entry", err)
	}
	return e, nil
}

func (d Datasource) GetActiveDeadLetter(ctx context.Context, transactionID string) (*model.DeadLetterEntry, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.dead_letters
		WHERE transaction_id = $1 AND review_status IN ('PENDING', 'IN_REVIEW')`, deadLetterColumns), transactionID)
	e, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No active dead letter for transaction '%s'", transactionID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dead letter entry", err)
	}
	return e, nil
}

func (d Datasource) ListDeadLetters(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]*model.DeadLetterEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM paylane.dead_letters`, deadLetterColumns)
	args := []interface{}{}
	if status != "" {
		query += ` WHERE review_status = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list dead letters", err)
	}
	defer rows.Close()

	var entries []*model.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan dead letter entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d Datasource) UpdateDeadLetterReview(ctx context.Context, entry *model.DeadLetterEntry, from model.ReviewStatus) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE paylane.dead_letters SET review_status = $3, reviewer = $4, resolution_notes = $5, rearmed = $6,
			updated_at = $7, resolved_at = $8
		WHERE entry_id = $1 AND review_status = $2`,
		entry.EntryID, from, entry.ReviewStatus, entry.Reviewer, entry.ResolutionNotes, entry.Rearmed,
		entry.UpdatedAt, entry.ResolvedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update dead letter entry", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Dead letter entry '%s' is no longer %s", entry.EntryID, from), nil)
	}
	return nil
}
