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
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionColumnNames = []string{
	"transaction_id", "reference", "external_reference", "gateway", "provider", "purpose",
	"amount", "fee", "net_amount", "currency", "payer", "client_id", "filing_id", "description", "status", "risk_level",
	"requires_manual_review", "fraud_rule_id", "retry_count", "max_attempts", "last_error", "failure_reason",
	"reconciled", "reconciliation_flagged", "statement_reference", "statement_date", "initiated_at",
	"processed_at", "completed_at", "failed_at", "expires_at", "approved_at", "reconciled_at", "updated_at",
	"version", "meta_data",
}

func newMockDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Datasource{Conn: db}, mock
}

func transactionRow(now time.Time, status model.TransactionStatus) *sqlmock.Rows {
	return sqlmock.NewRows(transactionColumnNames).AddRow(
		"txn_1", "ref-1", "MP123", "MOBILE_MONEY", "mpesa", "TAX_PAYMENT",
		"1000.00", "10.00", "990.00", "KES", []byte(`{"name":"Jane","phone":"+254700000001"}`), nil, nil, nil,
		string(status), "LOW", false, nil, int64(1), int64(3), nil, nil,
		false, false, nil, nil, now,
		now, nil, nil, nil, nil, nil, now,
		int64(2), []byte(`{"channel":"ussd"}`),
	)
}

func sampleTransaction(now time.Time) *model.Transaction {
	return &model.Transaction{
		TransactionID: "txn_1",
		Reference:     "ref-1",
		Gateway:       model.GatewayMobileMoney,
		Provider:      "mpesa",
		Purpose:       model.PurposeTaxPayment,
		Amount:        decimal.NewFromInt(1000),
		Fee:           decimal.NewFromInt(10),
		NetAmount:     decimal.NewFromInt(990),
		Currency:      "KES",
		Payer:         model.Payer{Name: "Jane", Phone: "+254700000001"},
		Status:        model.StatusInitiated,
		RiskLevel:     model.RiskLow,
		MaxAttempts:   3,
		InitiatedAt:   now,
		UpdatedAt:     now,
	}
}

func TestCreateTransaction_Success(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()
	txn := sampleTransaction(now)
	entry := &model.TransactionLogEntry{TransactionID: txn.TransactionID, NewStatus: model.StatusInitiated, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paylane.transactions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO paylane.transaction_logs").
		WithArgs(sqlmock.AnyArg(), "txn_1", model.TransactionStatus(""), model.StatusInitiated, "", nil, nil, "", "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ds.CreateTransaction(context.Background(), txn, entry)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), txn.Version)
	assert.NotEmpty(t, entry.LogID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransaction_DuplicateReference(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paylane.transactions").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := ds.CreateTransaction(context.Background(), txn, nil)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransaction(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM paylane.transactions WHERE transaction_id = $1")).
		WithArgs("txn_1").
		WillReturnRows(transactionRow(now, model.StatusPending))

	txn, err := ds.GetTransaction(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, txn.Status)
	assert.Equal(t, "MP123", txn.ExternalRef())
	assert.True(t, decimal.NewFromInt(1000).Equal(txn.Amount))
	assert.Equal(t, "+254700000001", txn.Payer.Phone)
	assert.Equal(t, "ussd", txn.MetaData["channel"])
	assert.Equal(t, int64(2), txn.Version)
	require.NotNil(t, txn.ProcessedAt)
	assert.Nil(t, txn.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransaction_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("FROM paylane.transactions").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := ds.GetTransaction(context.Background(), "missing")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransaction_Success(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()
	txn := sampleTransaction(now)
	txn.Version = 4
	txn.Status = model.StatusProcessing
	entry := &model.TransactionLogEntry{TransactionID: "txn_1", PreviousStatus: model.StatusInitiated, NewStatus: model.StatusProcessing, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paylane.transactions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO paylane.transaction_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, ds.UpdateTransaction(context.Background(), txn, entry))
	assert.Equal(t, int64(5), txn.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransaction_StaleVersion(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction(time.Now())
	txn.Version = 4

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paylane.transactions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := ds.UpdateTransaction(context.Background(), txn, &model.TransactionLogEntry{TransactionID: "txn_1"})
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.Equal(t, int64(4), txn.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransaction_LogInsertFailsRollsBack(t *testing.T) {
	ds, mock := newMockDatasource(t)
	txn := sampleTransaction(time.Now())
	txn.Version = 1

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paylane.transactions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO paylane.transaction_logs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := ds.UpdateTransaction(context.Background(), txn, &model.TransactionLogEntry{TransactionID: "txn_1"})
	assert.True(t, apierror.IsCode(err, apierror.ErrInternalServer))
	assert.Equal(t, int64(1), txn.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterTransaction(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()
	txn := sampleTransaction(now)
	txn.Version = 3
	txn.Status = model.StatusDeadLetter
	dl := &model.DeadLetterEntry{TransactionID: "txn_1", FailureReason: "declined", FailureType: model.FailureBusiness, AttemptCount: 1, RequiresManualReview: true, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paylane.transactions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO paylane.transaction_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO paylane.dead_letters").WillReturnRows(sqlmock.NewRows([]string{
		"entry_id", "transaction_id", "failure_reason", "failure_type", "attempt_count", "requires_manual_review",
		"review_status", "reviewer", "resolution_notes", "rearmed", "created_at", "updated_at", "resolved_at",
	}).AddRow("dlq_existing", "txn_1", "declined", "BUSINESS", int64(1), true, "PENDING", nil, nil, false, now, now, nil))
	mock.ExpectCommit()

	stored, err := ds.DeadLetterTransaction(context.Background(), txn, &model.TransactionLogEntry{TransactionID: "txn_1"}, dl)
	require.NoError(t, err)
	assert.Equal(t, "dlq_existing", stored.EntryID)
	assert.Equal(t, model.ReviewPending, stored.ReviewStatus)
	assert.Equal(t, int64(4), txn.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactionsByStatus(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectQuery("WHERE status = ANY").
		WithArgs(pq.Array([]string{"PENDING"}), now, 10).
		WillReturnRows(transactionRow(now, model.StatusPending))

	txns, err := ds.ListTransactionsByStatus(context.Background(), []model.TransactionStatus{model.StatusPending}, now, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSumPayerTransactions(t *testing.T) {
	ds, mock := newMockDatasource(t)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("+254700000001", since, pq.Array(liveStatuses), "mpesa").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(int64(2), "2500.50"))

	count, total, err := ds.SumPayerTransactions(context.Background(), "+254700000001", "MPESA", since)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "2500.5", total.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransactionLogs(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectQuery("FROM paylane.transaction_logs").WithArgs("txn_1").WillReturnRows(
		sqlmock.NewRows([]string{"log_id", "transaction_id", "previous_status", "new_status", "detail",
			"request_payload", "response_payload", "error_code", "error_message", "created_at"}).
			AddRow("log_1", "txn_1", "", "INITIATED", "created", nil, nil, nil, nil, now).
			AddRow("log_2", "txn_1", "INITIATED", "PROCESSING", nil, []byte(`{"a":1}`), nil, nil, nil, now),
	)

	logs, err := ds.GetTransactionLogs(context.Background(), "txn_1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.StatusInitiated, logs[0].NewStatus)
	assert.Equal(t, "created", logs[0].Detail)
	assert.JSONEq(t, `{"a":1}`, string(logs[1].RequestPayload))
	assert.NoError(t, mock.ExpectationsWereMet())
}
