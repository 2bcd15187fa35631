package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/paylane/paylane/database"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransaction(status model.TransactionStatus) *model.Transaction {
	now := time.Now()
	return &model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		Reference:     gofakeit.UUID(),
		Gateway:       model.GatewayMobileMoney,
		Provider:      "mpesa",
		Purpose:       model.PurposeTaxPayment,
		Amount:        decimal.NewFromFloat(gofakeit.Price(10, 5000)).Round(2),
		Currency:      "KES",
		Payer:         model.Payer{Name: gofakeit.Name(), Phone: gofakeit.Phone()},
		Status:        status,
		InitiatedAt:   now,
		UpdatedAt:     now,
	}
}

func TestCreateAndGetTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	txn := newTransaction(model.StatusInitiated)

	require.NoError(t, s.CreateTransaction(ctx, txn, &model.TransactionLogEntry{TransactionID: txn.TransactionID, NewStatus: model.StatusInitiated}))
	assert.Equal(t, int64(1), txn.Version)

	got, err := s.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, txn.Reference, got.Reference)

	// mutating the returned copy must not leak into the store
	got.Status = model.StatusCompleted
	again, _ := s.GetTransaction(ctx, txn.TransactionID)
	assert.Equal(t, model.StatusInitiated, again.Status)

	byRef, err := s.GetTransactionByReference(ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, txn.TransactionID, byRef.TransactionID)

	logs, _ := s.GetTransactionLogs(ctx, txn.TransactionID)
	assert.Len(t, logs, 1)
}

func TestCreateTransaction_DuplicateReference(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	first := newTransaction(model.StatusInitiated)
	require.NoError(t, s.CreateTransaction(ctx, first, nil))

	second := newTransaction(model.StatusInitiated)
	second.Reference = first.Reference
	err := s.CreateTransaction(ctx, second, nil)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
}

func TestUpdateTransaction_VersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	txn := newTransaction(model.StatusInitiated)
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))

	a, _ := s.GetTransaction(ctx, txn.TransactionID)
	b, _ := s.GetTransaction(ctx, txn.TransactionID)

	a.Status = model.StatusProcessing
	require.NoError(t, s.UpdateTransaction(ctx, a, nil))
	assert.Equal(t, int64(2), a.Version)

	b.Status = model.StatusCancelled
	err := s.UpdateTransaction(ctx, b, nil)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.Equal(t, int64(1), b.Version)

	stored, _ := s.GetTransaction(ctx, txn.TransactionID)
	assert.Equal(t, model.StatusProcessing, stored.Status)
}

func TestExternalReferenceLookup(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	txn := newTransaction(model.StatusInitiated)
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))

	ref := "MP-778"
	txn.ExternalReference = &ref
	txn.Status = model.StatusProcessing
	require.NoError(t, s.UpdateTransaction(ctx, txn, nil))

	got, err := s.GetTransactionByExternalRef(ctx, "MPESA", ref)
	require.NoError(t, err)
	assert.Equal(t, txn.TransactionID, got.TransactionID)

	other := newTransaction(model.StatusInitiated)
	require.NoError(t, s.CreateTransaction(ctx, other, nil))
	other.ExternalReference = &ref
	err = s.UpdateTransaction(ctx, other, nil)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
}

func TestScheduledRetries(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	due := &model.ScheduledRetry{TransactionID: "txn_a", AttemptNumber: 2, ScheduledAt: now.Add(-time.Second)}
	later := &model.ScheduledRetry{TransactionID: "txn_b", AttemptNumber: 2, ScheduledAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateScheduledRetry(ctx, due))
	require.NoError(t, s.CreateScheduledRetry(ctx, later))

	err := s.CreateScheduledRetry(ctx, &model.ScheduledRetry{TransactionID: "txn_a", AttemptNumber: 3, ScheduledAt: now})
	assert.True(t, errors.Is(err, database.ErrScheduledRetryExists))

	dueList, err := s.GetDueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, "txn_a", dueList[0].TransactionID)

	require.NoError(t, s.MarkRetryProcessed(ctx, due.RetryID, model.AttemptSucceeded, now))
	err = s.MarkRetryProcessed(ctx, due.RetryID, model.AttemptSucceeded, now)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	// once processed, a new retry can be scheduled
	require.NoError(t, s.CreateScheduledRetry(ctx, &model.ScheduledRetry{TransactionID: "txn_a", AttemptNumber: 3, ScheduledAt: now}))
	assert.Len(t, s.Retries("txn_a"), 2)
}

func TestDeadLetterTransaction_SingleActiveEntry(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	txn := newTransaction(model.StatusFailed)
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))

	txn.Status = model.StatusDeadLetter
	first, err := s.DeadLetterTransaction(ctx, txn, nil, &model.DeadLetterEntry{
		TransactionID: txn.TransactionID, FailureType: model.FailureNetwork, FailureReason: "timeout", AttemptCount: 3, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, first.ReviewStatus)

	second, err := s.DeadLetterTransaction(ctx, txn, nil, &model.DeadLetterEntry{
		TransactionID: txn.TransactionID, FailureType: model.FailureGateway, FailureReason: "503", AttemptCount: 4, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, 4, second.AttemptCount)

	entries, _ := s.ListDeadLetters(ctx, "", 10, 0)
	assert.Len(t, entries, 1)
}

func TestUpdateDeadLetterReview(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	txn := newTransaction(model.StatusFailed)
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	txn.Status = model.StatusDeadLetter
	entry, err := s.DeadLetterTransaction(ctx, txn, nil, &model.DeadLetterEntry{TransactionID: txn.TransactionID, CreatedAt: time.Now()})
	require.NoError(t, err)

	entry.ReviewStatus = model.ReviewInReview
	entry.Reviewer = "ops"
	require.NoError(t, s.UpdateDeadLetterReview(ctx, entry, model.ReviewPending))

	err = s.UpdateDeadLetterReview(ctx, entry, model.ReviewPending)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	got, _ := s.GetActiveDeadLetter(ctx, txn.TransactionID)
	assert.Equal(t, "ops", got.Reviewer)
}

func TestSumPayerTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	payer := model.Payer{Phone: "+254700000009"}

	for _, st := range []model.TransactionStatus{model.StatusCompleted, model.StatusPending, model.StatusFailed} {
		txn := newTransaction(st)
		txn.Payer = payer
		txn.Amount = decimal.NewFromInt(100)
		require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	}

	count, total, err := s.SumPayerTransactions(ctx, database.PayerKey(payer), "", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, decimal.NewFromInt(200).Equal(total))

	count, _, _ = s.SumPayerTransactions(ctx, database.PayerKey(payer), "airtel", time.Now().Add(-time.Hour))
	assert.Equal(t, 0, count)
}

func TestWebhookEventApplied(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	event := &model.WebhookEvent{Provider: "mpesa", Outcome: model.WebhookReceived}
	require.NoError(t, s.RecordWebhookEvent(ctx, event))

	applied, _ := s.WebhookEventApplied(ctx, "mpesa", "MP1", model.StatusCompleted)
	assert.False(t, applied)

	event.ExternalReference = "MP1"
	event.ReportedStatus = model.StatusCompleted
	event.Outcome = model.WebhookApplied
	require.NoError(t, s.UpdateWebhookEvent(ctx, event))

	applied, _ = s.WebhookEventApplied(ctx, "mpesa", "MP1", model.StatusCompleted)
	assert.True(t, applied)
}

func TestFraudRulesOrderedByPriority(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateFraudRule(ctx, &model.FraudRule{Name: "low", Priority: 20, Active: true}))
	high := &model.FraudRule{Name: "high", Priority: 1, Active: true}
	require.NoError(t, s.CreateFraudRule(ctx, high))
	require.NoError(t, s.CreateFraudRule(ctx, &model.FraudRule{Name: "off", Priority: 0, Active: false}))

	rules, err := s.ListFraudRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].Name)

	require.NoError(t, s.RecordRuleTrigger(ctx, high.RuleID, time.Now()))
	rules, _ = s.ListFraudRules(ctx, false)
	assert.Equal(t, int64(1), rules[1].TriggerCount)
}
