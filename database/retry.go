package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
)

func (d Datasource) RecordAttempt(ctx context.Context, attempt *model.RetryAttempt) error {
	ctx, span := tracer.Start(ctx, "Recording retry attempt")
	defer span.End()

	if attempt.AttemptID == "" {
		attempt.AttemptID = model.GenerateUUIDWithSuffix("att")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paylane.retry_attempts (attempt_id, transaction_id, attempt_number, attempted_at, outcome,
			latency_ms, failure_type, error_code, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		attempt.AttemptID, attempt.TransactionID, attempt.AttemptNumber, attempt.AttemptedAt, attempt.Outcome,
		attempt.LatencyMs, attempt.FailureType, attempt.ErrorCode, attempt.ErrorMessage,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record retry attempt", err)
	}
	return nil
}

func (d Datasource) GetAttempts(ctx context.Context, transactionID string) ([]*model.RetryAttempt, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT attempt_id, transaction_id, attempt_number, attempted_at, outcome, latency_ms, failure_type,
			error_code, error_message
		FROM paylane.retry_attempts WHERE transaction_id = $1 ORDER BY attempt_number ASC, id ASC`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve retry attempts", err)
	}
	defer rows.Close()

	var attempts []*model.RetryAttempt
	for rows.Next() {
		a := &model.RetryAttempt{}
		var failureType, code, message sql.NullString
		if err := rows.Scan(&a.AttemptID, &a.TransactionID, &a.AttemptNumber, &a.AttemptedAt, &a.Outcome,
			&a.LatencyMs, &failureType, &code, &message); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan retry attempt", err)
		}
		a.FailureType = model.FailureType(failureType.String)
		a.ErrorCode = code.String
		a.ErrorMessage = message.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (d Datasource) CreateScheduledRetry(ctx context.Context, r *model.ScheduledRetry) error {
	ctx, span := tracer.Start(ctx, "Scheduling retry")
	defer span.End()

	if r.RetryID == "" {
		r.RetryID = model.GenerateUUIDWithSuffix("rty")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paylane.scheduled_retries (retry_id, transaction_id, attempt_number, scheduled_at, reason, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		r.RetryID, r.TransactionID, r.AttemptNumber, r.ScheduledAt, r.Reason, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrScheduledRetryExists
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to schedule retry", err)
	}
	return nil
}

const retryColumns = `retry_id, transaction_id, attempt_number, scheduled_at, reason, processed, processed_at, outcome, created_at`

func scanRetry(row rowScanner) (*model.ScheduledRetry, error) {
	r := &model.ScheduledRetry{}
	var reason, outcome sql.NullString
	if err := row.Scan(&r.RetryID, &r.TransactionID, &r.AttemptNumber, &r.ScheduledAt, &reason, &r.Processed,
		&r.ProcessedAt, &outcome, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Reason = reason.String
	r.Outcome = model.AttemptOutcome(outcome.String)
	return r, nil
}

func (d Datasource) GetPendingRetry(ctx context.Context, transactionID string) (*model.ScheduledRetry, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.scheduled_retries
		WHERE transaction_id = $1 AND processed = FALSE`, retryColumns), transactionID)
	r, err := scanRetry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No pending retry for transaction '%s'", transactionID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve scheduled retry", err)
	}
	return r, nil
}

func (d Datasource) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledRetry, error) {
	ctx, span := tracer.Start(ctx, "Fetching due retries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.scheduled_retries
		WHERE processed = FALSE AND scheduled_at <= $1 ORDER BY scheduled_at ASC LIMIT $2`, retryColumns), now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve due retries", err)
	}
	defer rows.Close()

	var retries []*model.ScheduledRetry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan scheduled retry", err)
		}
		retries = append(retries, r)
	}
	return retries, rows.Err()
}

func (d Datasource) MarkRetryProcessed(ctx context.Context, retryID string, outcome model.AttemptOutcome, processedAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE paylane.scheduled_retries SET processed = TRUE, processed_at = $2, outcome = $3
		WHERE retry_id = $1 AND processed = FALSE`, retryID, processedAt, outcome)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark retry processed", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Retry '%s' already processed", retryID), nil)
	}
	return nil
}
