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
	"errors"
	"time"

	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

// ErrScheduledRetryExists is returned when a transaction already has an unprocessed retry.
var ErrScheduledRetryExists = errors.New("an unprocessed retry is already scheduled for this transaction")

// IDataSource is the ledger store. Implemented by Datasource (Postgres) and inmemory.Store.
type IDataSource interface {
	transaction
	retry
	deadLetter
	webhook
	gatewayConfig
	fraudRule
}

type transaction interface {
	// CreateTransaction inserts txn together with its creation log entry.
	CreateTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	GetTransactionByExternalRef(ctx context.Context, provider, externalRef string) (*model.Transaction, error)
	// UpdateTransaction persists txn if its Version still matches the stored row and appends
	// entry in the same unit of work. On success txn.Version is incremented.
	UpdateTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error
	// DeadLetterTransaction is UpdateTransaction plus an upsert of the active dead-letter entry.
	DeadLetterTransaction(ctx context.Context, txn *model.Transaction, entry *model.TransactionLogEntry, dl *model.DeadLetterEntry) (*model.DeadLetterEntry, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]*model.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, statuses []model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error)
	ListReconciliationCandidates(ctx context.Context, provider string, limit int) ([]*model.Transaction, error)
	GetTransactionLogs(ctx context.Context, transactionID string) ([]*model.TransactionLogEntry, error)
	// SumPayerTransactions counts and totals a payer's live transactions since the given time.
	// An empty provider covers all providers.
	SumPayerTransactions(ctx context.Context, payerKey, provider string, since time.Time) (int, decimal.Decimal, error)
}

type retry interface {
	RecordAttempt(ctx context.Context, attempt *model.RetryAttempt) error
	GetAttempts(ctx context.Context, transactionID string) ([]*model.RetryAttempt, error)
	CreateScheduledRetry(ctx context.Context, r *model.ScheduledRetry) error
	GetPendingRetry(ctx context.Context, transactionID string) (*model.ScheduledRetry, error)
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledRetry, error)
	MarkRetryProcessed(ctx context.Context, retryID string, outcome model.AttemptOutcome, processedAt time.Time) error
}

type deadLetter interface {
	GetDeadLetter(ctx context.Context, entryID string) (*model.DeadLetterEntry, error)
	GetActiveDeadLetter(ctx context.Context, transactionID string) (*model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]*model.DeadLetterEntry, error)
	// UpdateDeadLetterReview saves entry only if its stored review status is still from.
	UpdateDeadLetterReview(ctx context.Context, entry *model.DeadLetterEntry, from model.ReviewStatus) error
}

type webhook interface {
	RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error)
	// WebhookEventApplied reports whether the idempotency key was already applied.
	WebhookEventApplied(ctx context.Context, provider, externalRef string, status model.TransactionStatus) (bool, error)
}

type gatewayConfig interface {
	UpsertGatewayConfig(ctx context.Context, cfg *model.GatewayConfig) error
	GetGatewayConfig(ctx context.Context, provider string) (*model.GatewayConfig, error)
	ListGatewayConfigs(ctx context.Context) ([]*model.GatewayConfig, error)
}

type fraudRule interface {
	CreateFraudRule(ctx context.Context, rule *model.FraudRule) error
	ListFraudRules(ctx context.Context, activeOnly bool) ([]*model.FraudRule, error)
	RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error
}

// PayerKey is the identifier limits and fraud counters aggregate on.
func PayerKey(p model.Payer) string {
	switch {
	case p.Phone != "":
		return p.Phone
	case p.Account != "":
		return p.BankCode + ":" + p.Account
	default:
		return p.CardToken
	}
}
