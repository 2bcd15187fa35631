/*
Copyright 2024 Paylane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

const transactionColumns = `transaction_id, reference, external_reference, gateway, provider, purpose,
	amount, fee, net_amount, currency, payer, client_id, filing_id, description, status, risk_level,
	requires_manual_review, fraud_rule_id, retry_count, max_attempts, last_error, failure_reason,
	reconciled, reconciliation_flagged, statement_reference, statement_date, initiated_at,
	processed_at, completed_at, failed_at, expires_at, approved_at, reconciled_at, updated_at,
	version, meta_data`

// liveStatuses are the statuses that count against payer limits.
var liveStatuses = []string{
	string(model.StatusInitiated), string(model.StatusPending), string(model.StatusProcessing),
	string(model.StatusCompleted), string(model.StatusSettled), string(model.StatusPartialRefund),
	string(model.StatusDisputed),
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var payerJSON, metaDataJSON []byte
	var clientID, filingID, description, fraudRuleID, lastError, failureReason, statementRef sql.NullString

	err := row.Scan(
		&txn.TransactionID, &txn.Reference, &txn.ExternalReference, &txn.Gateway, &txn.Provider, &txn.Purpose,
		&txn.Amount, &txn.Fee, &txn.NetAmount, &txn.Currency, &payerJSON, &clientID, &filingID, &description,
		&txn.Status, &txn.RiskLevel, &txn.RequiresManualReview, &fraudRuleID, &txn.RetryCount, &txn.MaxAttempts,
		&lastError, &failureReason, &txn.Reconciled, &txn.ReconciliationFlagged, &statementRef, &txn.StatementDate,
		&txn.InitiatedAt, &txn.ProcessedAt, &txn.CompletedAt, &txn.FailedAt, &txn.ExpiresAt, &txn.ApprovedAt,
		&txn.ReconciledAt, &txn.UpdatedAt, &txn.Version, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}

	txn.ClientID = clientID.String
	txn.FilingID = filingID.String
	txn.Description = description.String
	txn.FraudRuleID = fraudRuleID.String
	txn.LastError = lastError.String
	txn.FailureReason = failureReason.String
	txn.StatementReference = statementRef.String

	if len(payerJSON) > 0 {
		if err := json.Unmarshal(payerJSON, &txn.Payer); err != nil {
			return nil, fmt.Errorf("decode payer: %w", err)
		}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, fmt.Errorf("decode meta_data: %w", err)
		}
	}
	return txn, nil
}

func insertLogEntry(ctx context.Context, tx *sql.Tx, entry *model.TransactionLogEntry) error {
	if entry == nil {
		return nil
	}
	if entry.LogID == "" {
		entry.LogID = model.GenerateUUIDWithSuffix("log")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO paylane.transaction_logs (log_id, transaction_id, previous_status, new_status, detail,
			request_payload, response_payload, error_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.LogID, entry.TransactionID, entry.PreviousStatus, entry.NewStatus, entry.Detail,
		nullJSON(entry.RequestPayload), nullJSON(entry.ResponsePayload), entry.ErrorCode, entry.ErrorMessage, entry.CreatedAt,
	)
	return err
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (d Datasource) CreateTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error {
	ctx, span := tracer.Start(ctx, "Saving transaction to db")
	defer span.End()

	payerJSON, err := json.Marshal(txn.Payer)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payer", err)
	}
	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	if txn.Version == 0 {
		txn.Version = 1
	}

	err = d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO paylane.transactions (transaction_id, reference, external_reference, gateway, provider, purpose,
				amount, fee, net_amount, currency, payer, payer_key, client_id, filing_id, description, status, risk_level,
				requires_manual_review, fraud_rule_id, retry_count, max_attempts, initiated_at, expires_at, updated_at,
				version, meta_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
			txn.TransactionID, txn.Reference, txn.ExternalReference, txn.Gateway, txn.Provider, txn.Purpose,
			txn.Amount, txn.Fee, txn.NetAmount, txn.Currency, payerJSON, PayerKey(txn.Payer), txn.ClientID, txn.FilingID,
			txn.Description, txn.Status, txn.RiskLevel, txn.RequiresManualReview, txn.FraudRuleID, txn.RetryCount,
			txn.MaxAttempts, txn.InitiatedAt, txn.ExpiresAt, txn.UpdatedAt, txn.Version, metaDataJSON,
		)
		if err != nil {
			return err
		}
		return insertLogEntry(ctx, tx, entry)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with reference '%s' already exists", txn.Reference), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}
	return nil
}

func (d Datasource) getTransactionWhere(ctx context.Context, where string, notFound string, args ...interface{}) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.transactions WHERE %s`, transactionColumns, where), args...)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, notFound, nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Fetching transaction from db")
	defer span.End()
	return d.getTransactionWhere(ctx, "transaction_id = $1", fmt.Sprintf("Transaction with ID '%s' not found", id), id)
}

func (d Datasource) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return d.getTransactionWhere(ctx, "reference = $1", fmt.Sprintf("Transaction with reference '%s' not found", reference), reference)
}

func (d Datasource) GetTransactionByExternalRef(ctx context.Context, provider, externalRef string) (*model.Transaction, error) {
	return d.getTransactionWhere(ctx, "provider = $1 AND external_reference = $2",
		fmt.Sprintf("Transaction with external reference '%s' not found", externalRef), provider, externalRef)
}

func updateTransaction(ctx context.Context, tx *sql.Tx, txn *model.Transaction) error {
	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE paylane.transactions SET
			external_reference = $3, status = $4, risk_level = $5, requires_manual_review = $6, fraud_rule_id = $7,
			retry_count = $8, max_attempts = $9, last_error = $10, failure_reason = $11, reconciled = $12,
			reconciliation_flagged = $13, statement_reference = $14, statement_date = $15, processed_at = $16,
			completed_at = $17, failed_at = $18, expires_at = $19, approved_at = $20, reconciled_at = $21,
			updated_at = $22, meta_data = $23, version = version + 1
		WHERE transaction_id = $1 AND version = $2`,
		txn.TransactionID, txn.Version, txn.ExternalReference, txn.Status, txn.RiskLevel, txn.RequiresManualReview,
		txn.FraudRuleID, txn.RetryCount, txn.MaxAttempts, txn.LastError, txn.FailureReason, txn.Reconciled,
		txn.ReconciliationFlagged, txn.StatementReference, txn.StatementDate, txn.ProcessedAt, txn.CompletedAt,
		txn.FailedAt, txn.ExpiresAt, txn.ApprovedAt, txn.ReconciledAt, txn.UpdatedAt, metaDataJSON,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Transaction '%s' was modified concurrently (version %d)", txn.TransactionID, txn.Version), nil)
	}
	return nil
}

func wrapUpdateErr(err error) error {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transaction", err)
}

func (d Datasource) UpdateTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error {
	ctx, span := tracer.Start(ctx, "Updating transaction in db")
	defer span.End()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return insertLogEntry(ctx, tx, entry)
	})
	if err != nil {
		return wrapUpdateErr(err)
	}
	txn.Version++
	return nil
}

func (d Datasource) DeadLetterTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry, dl *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	ctx, span := tracer.Start(ctx, "Dead lettering transaction in db")
	defer span.End()

	var stored *model.DeadLetterEntry
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := insertLogEntry(ctx, tx, entry); err != nil {
			return err
		}
		var err error
		stored, err = upsertDeadLetter(ctx, tx, dl)
		return err
	})
	if err != nil {
		return nil, wrapUpdateErr(err)
	}
	txn.Version++
	return stored, nil
}

func (d Datasource) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transactions", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction data", err)
		}
		transactions = append(transactions, txn)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transactions", err)
	}
	return transactions, nil
}

func (d Datasource) ListTransactions(ctx context.Context, limit, offset int) ([]*model.Transaction, error) {
	return d.queryTransactions(ctx, fmt.Sprintf(`SELECT %s FROM paylane.transactions ORDER BY initiated_at DESC LIMIT $1 OFFSET $2`, transactionColumns), limit, offset)
}

func (d Datasource) ListTransactionsByStatus(ctx context.Context, statuses []model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Listing transactions by status")
	defer span.End()

	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return d.queryTransactions(ctx, fmt.Sprintf(`SELECT %s FROM paylane.transactions
		WHERE status = ANY($1) AND updated_at <= $2 ORDER BY updated_at ASC LIMIT $3`, transactionColumns),
		pq.Array(values), updatedBefore, limit)
}

func (d Datasource) ListReconciliationCandidates(ctx context.Context, provider string, limit int) ([]*model.Transaction, error) {
	return d.queryTransactions(ctx, fmt.Sprintf(`SELECT %s FROM paylane.transactions
		WHERE provider = $1 AND reconciled = FALSE AND status = ANY($2) ORDER BY initiated_at DESC LIMIT $3`, transactionColumns),
		provider, pq.Array([]string{
			string(model.StatusCompleted), string(model.StatusPartialRefund),
			string(model.StatusRefunded), string(model.StatusSettled),
		}), limit)
}

func (d Datasource) GetTransactionLogs(ctx context.Context, transactionID string) ([]*model.TransactionLogEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT log_id, transaction_id, previous_status, new_status, detail, request_payload, response_payload,
			error_code, error_message, created_at
		FROM paylane.transaction_logs WHERE transaction_id = $1 ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction logs", err)
	}
	defer rows.Close()

	var logs []*model.TransactionLogEntry
	for rows.Next() {
		entry := &model.TransactionLogEntry{}
		var detail, errorCode, errorMessage sql.NullString
		var request, response []byte
		if err := rows.Scan(&entry.LogID, &entry.TransactionID, &entry.PreviousStatus, &entry.NewStatus, &detail,
			&request, &response, &errorCode, &errorMessage, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction log", err)
		}
		entry.Detail = detail.String
		entry.ErrorCode = errorCode.String
		entry.ErrorMessage = errorMessage.String
		entry.RequestPayload = request
		entry.ResponsePayload = response
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (d Datasource) SumPayerTransactions(ctx context.Context, payerKey, provider string, since time.Time) (int, decimal.Decimal, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM paylane.transactions
		WHERE payer_key = $1 AND initiated_at >= $2 AND status = ANY($3)`
	args := []interface{}{payerKey, since, pq.Array(liveStatuses)}
	if provider != "" {
		query += ` AND provider = $4`
		args = append(args, strings.ToLower(provider))
	}

	var count int
	var total decimal.Decimal
	if err := d.Conn.QueryRowContext(ctx, query, args...).Scan(&count, &total); err != nil {
		return 0, decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sum payer transactions", err)
	}
	return count, total, nil
}
