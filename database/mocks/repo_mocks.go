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
package mocks

import (
	"context"
	"time"

	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func txnOrNil(v interface{}) *model.Transaction {
	if v == nil {
		return nil
	}
	return v.(*model.Transaction)
}

// Transaction methods

func (m *MockDataSource) CreateTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error {
	args := m.Called(ctx, txn, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	return txnOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	args := m.Called(ctx, reference)
	return txnOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetTransactionByExternalRef(ctx context.Context, provider, externalRef string) (*model.Transaction, error) {
	args := m.Called(ctx, provider, externalRef)
	return txnOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) UpdateTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error {
	args := m.Called(ctx, txn, entry)
	return args.Error(0)
}

func (m *MockDataSource) DeadLetterTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry, dl *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	args := m.Called(ctx, txn, entry, dl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeadLetterEntry), args.Error(1)
}

func (m *MockDataSource) ListTransactions(ctx context.Context, limit, offset int) ([]*model.Transaction, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockDataSource) ListTransactionsByStatus(ctx context.Context, statuses []model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, statuses, updatedBefore, limit)
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockDataSource) ListReconciliationCandidates(ctx context.Context, provider string, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, provider, limit)
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockDataSource) GetTransactionLogs(ctx context.Context, transactionID string) ([]*model.TransactionLogEntry, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).([]*model.TransactionLogEntry), args.Error(1)
}

func (m *MockDataSource) SumPayerTransactions(ctx context.Context, payerKey, provider string, since time.Time) (int, decimal.Decimal, error) {
	args := m.Called(ctx, payerKey, provider, since)
	return args.Int(0), args.Get(1).(decimal.Decimal), args.Error(2)
}

// Retry methods

func (m *MockDataSource) RecordAttempt(ctx context.Context, attempt *model.RetryAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *MockDataSource) GetAttempts(ctx context.Context, transactionID string) ([]*model.RetryAttempt, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).([]*model.RetryAttempt), args.Error(1)
}

func (m *MockDataSource) CreateScheduledRetry(ctx context.Context, r *model.ScheduledRetry) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockDataSource) GetPendingRetry(ctx context.Context, transactionID string) (*model.ScheduledRetry, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScheduledRetry), args.Error(1)
}

func (m *MockDataSource) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledRetry, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*model.ScheduledRetry), args.Error(1)
}

func (m *MockDataSource) MarkRetryProcessed(ctx context.Context, retryID string, outcome model.AttemptOutcome, processedAt time.Time) error {
	args := m.Called(ctx, retryID, outcome, processedAt)
	return args.Error(0)
}

// Dead letter methods

func (m *MockDataSource) GetDeadLetter(ctx context.Context, entryID string) (*model.DeadLetterEntry, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeadLetterEntry), args.Error(1)
}

func (m *MockDataSource) GetActiveDeadLetter(ctx context.Context, transactionID string) (*model.DeadLetterEntry, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeadLetterEntry), args.Error(1)
}

func (m *MockDataSource) ListDeadLetters(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]*model.DeadLetterEntry, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]*model.DeadLetterEntry), args.Error(1)
}

func (m *MockDataSource) UpdateDeadLetterReview(ctx context.Context, entry *model.DeadLetterEntry, from model.ReviewStatus) error {
	args := m.Called(ctx, entry, from)
	return args.Error(0)
}

// Webhook methods

func (m *MockDataSource) RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDataSource) UpdateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDataSource) GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookEvent), args.Error(1)
}

func (m *MockDataSource) WebhookEventApplied(ctx context.Context, provider, externalRef string, status model.TransactionStatus) (bool, error) {
	args := m.Called(ctx, provider, externalRef, status)
	return args.Bool(0), args.Error(1)
}

// Gateway config and fraud rule methods

func (m *MockDataSource) UpsertGatewayConfig(ctx context.Context, cfg *model.GatewayConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockDataSource) GetGatewayConfig(ctx context.Context, provider string) (*model.GatewayConfig, error) {
	args := m.Called(ctx, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GatewayConfig), args.Error(1)
}

func (m *MockDataSource) ListGatewayConfigs(ctx context.Context) ([]*model.GatewayConfig, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*model.GatewayConfig), args.Error(1)
}

func (m *MockDataSource) CreateFraudRule(ctx context.Context, rule *model.FraudRule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *MockDataSource) ListFraudRules(ctx context.Context, activeOnly bool) ([]*model.FraudRule, error) {
	args := m.Called(ctx, activeOnly)
	return args.Get(0).([]*model.FraudRule), args.Error(1)
}

func (m *MockDataSource) RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	args := m.Called(ctx, ruleID, at)
	return args.Error(0)
}
