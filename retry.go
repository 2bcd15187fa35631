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

package paylane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/database"
	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/internal/notification"
	"github.com/paylane/paylane/model"
	"github.com/sirupsen/logrus"
)

// RetryPolicy computes when the next attempt of a failed payment may run.
type RetryPolicy struct {
	Delay       time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// retryPolicy combines the provider's retry delay with the global backoff settings.
func retryPolicy(cfg *model.GatewayConfig) RetryPolicy {
	p := RetryPolicy{Delay: cfg.RetryDelay(), Multiplier: 2, MaxInterval: time.Hour}
	if conf, err := config.Fetch(); err == nil {
		if conf.Retry.Multiplier > 0 {
			p.Multiplier = conf.Retry.Multiplier
		}
		if conf.Retry.MaxIntervalSeconds > 0 {
			p.MaxInterval = time.Duration(conf.Retry.MaxIntervalSeconds) * time.Second
		}
	}
	return p
}

// Backoff returns delay * multiplier^(failedAttempt-1), capped at MaxInterval.
func (p RetryPolicy) Backoff(failedAttempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	next := b.InitialInterval
	for i := 0; i < failedAttempt; i++ {
		next = b.NextBackOff()
	}
	if next > p.MaxInterval {
		next = p.MaxInterval
	}
	return next
}

// NextRetryAt is the time at which the attempt following failedAttempt becomes due.
func (p RetryPolicy) NextRetryAt(now time.Time, failedAttempt int) time.Time {
	return now.Add(p.Backoff(failedAttempt))
}

func maxAttempts(cfg *model.GatewayConfig) int {
	if cfg.MaxRetryAttempts > 0 {
		return cfg.MaxRetryAttempts
	}
	if conf, err := config.Fetch(); err == nil && conf.Retry.DefaultMaxAttempts > 0 {
		return conf.Retry.DefaultMaxAttempts
	}
	return 3
}

// attemptResult is what one gateway execution produced.
type attemptResult struct {
	outcome model.AttemptOutcome
	failure *model.FailureRecord
}

// executeAttempt submits txn to its gateway as the given attempt number and records the
// RetryAttempt. On a provider failure the transaction is left Failed and the failure is returned
// for the caller to schedule or dead-letter. The caller holds the transaction lock.
func (l *Paylane) executeAttempt(ctx context.Context, txn *model.Transaction, attempt int) (*attemptResult, error) {
	ctx, span := tracer.Start(ctx, "ExecuteAttempt")
	defer span.End()

	logger := logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"provider":       txn.Provider,
		"attempt":        attempt,
	})

	adapter, err := l.gateways.Get(txn.Provider)
	if err != nil {
		return nil, err
	}
	cfg, err := l.GetGatewayConfig(ctx, txn.Provider)
	if err != nil {
		return nil, err
	}

	if err := l.transition(ctx, txn, model.StatusProcessing, change{
		detail: fmt.Sprintf("submitting attempt %d", attempt),
		apply:  func(t *model.Transaction) { t.RetryCount = attempt - 1 },
	}); err != nil {
		return nil, err
	}

	req := submitRequest(txn)
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	started := time.Now()
	res, callErr := adapter.Submit(callCtx, req)
	cancel()
	latency := time.Since(started)

	// the call happened; what follows must be recorded even if ctx is going away
	ctx = context.WithoutCancel(ctx)
	record := &model.RetryAttempt{
		TransactionID: txn.TransactionID,
		AttemptNumber: attempt,
		AttemptedAt:   started.UTC(),
		LatencyMs:     latency.Milliseconds(),
	}

	if callErr != nil {
		failure := gateway.Classify(callErr)
		record.Outcome = model.AttemptFailed
		record.FailureType = failure.Type
		record.ErrorCode = failure.Code
		record.ErrorMessage = failure.Message
		if err := l.datasource.RecordAttempt(ctx, record); err != nil {
			logger.Errorf("failed to record attempt: %v", err)
		}
		logger.WithField("failure_type", failure.Type).Warnf("gateway submission failed: %s", failure.Message)

		if err := l.markFailed(ctx, txn, failure, nil); err != nil {
			return nil, err
		}
		return &attemptResult{outcome: model.AttemptFailed, failure: failure}, nil
	}

	record.Outcome = model.AttemptPending
	to := model.StatusPending
	if res.Status == model.StatusCompleted {
		record.Outcome = model.AttemptSucceeded
		to = model.StatusCompleted
	}
	if err := l.datasource.RecordAttempt(ctx, record); err != nil {
		logger.Errorf("failed to record attempt: %v", err)
	}

	externalRef := res.ExternalReference
	err = l.transition(ctx, txn, to, change{
		detail:   fmt.Sprintf("gateway accepted attempt %d", attempt),
		response: res.Raw,
		apply: func(t *model.Transaction) {
			t.ExternalReference = &externalRef
			t.LastError = ""
		},
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("status", to).Info("gateway submission accepted")
	return &attemptResult{outcome: record.Outcome}, nil
}

func submitRequest(txn *model.Transaction) gateway.SubmitRequest {
	return gateway.SubmitRequest{
		TransactionID: txn.TransactionID,
		Reference:     txn.Reference,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Purpose:       txn.Purpose,
		Payer:         txn.Payer,
		Description:   txn.Description,
	}
}

// markFailed moves txn to Failed and remembers why.
func (l *Paylane) markFailed(ctx context.Context, txn *model.Transaction, failure *model.FailureRecord, response []byte) error {
	return l.transition(ctx, txn, model.StatusFailed, change{
		detail:       fmt.Sprintf("%s failure", failure.Type),
		response:     response,
		errorCode:    failure.Code,
		errorMessage: failure.Message,
		apply: func(t *model.Transaction) {
			t.LastError = failure.Message
			t.FailureReason = failure.Error()
		},
	})
}

// handleFailure decides what happens to a Failed transaction after attempt failed: a
// recoverable failure with attempts left gets one ScheduledRetry, anything else is dead-lettered.
func (l *Paylane) handleFailure(ctx context.Context, txn *model.Transaction, attempt int, failure *model.FailureRecord) error {
	if failure.Recoverable && attempt < txn.MaxAttempts {
		return l.scheduleRetry(ctx, txn, attempt, failure.Error())
	}
	reason := failure.Error()
	if failure.Recoverable {
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, failure.Error())
	}
	_, err := l.deadLetter(ctx, txn, failure.Type, reason, attempt)
	return err
}

// scheduleRetry persists the single pending retry that follows failedAttempt.
func (l *Paylane) scheduleRetry(ctx context.Context, txn *model.Transaction, failedAttempt int, reason string) error {
	cfg, err := l.GetGatewayConfig(ctx, txn.Provider)
	if err != nil {
		return err
	}
	now := l.now()
	return l.createRetry(ctx, txn, failedAttempt+1, retryPolicy(cfg).NextRetryAt(now, failedAttempt), reason)
}

func (l *Paylane) createRetry(ctx context.Context, txn *model.Transaction, attempt int, at time.Time, reason string) error {
	r := &model.ScheduledRetry{
		RetryID:       model.GenerateUUIDWithSuffix("rty"),
		TransactionID: txn.TransactionID,
		AttemptNumber: attempt,
		ScheduledAt:   at,
		Reason:        reason,
		CreatedAt:     l.now(),
	}
	err := l.datasource.CreateScheduledRetry(ctx, r)
	if errors.Is(err, database.ErrScheduledRetryExists) {
		logrus.WithField("transaction_id", txn.TransactionID).Info("retry already scheduled")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"attempt":        attempt,
		"scheduled_at":   at,
	}).Info("retry scheduled")
	return nil
}

// ProcessScheduledRetry runs one due retry under the transaction lock. A retry whose
// transaction is no longer Failed is marked Skipped without calling the gateway.
func (l *Paylane) ProcessScheduledRetry(ctx context.Context, r *model.ScheduledRetry) error {
	ctx, span := tracer.Start(ctx, "ProcessScheduledRetry")
	defer span.End()

	return l.withTransactionLock(ctx, r.TransactionID, func(ctx context.Context) error {
		pending, err := l.datasource.GetPendingRetry(ctx, r.TransactionID)
		if err != nil {
			if apierror.IsCode(err, apierror.ErrNotFound) {
				return nil
			}
			return err
		}
		if pending.RetryID != r.RetryID {
			return nil
		}

		txn, err := l.datasource.GetTransaction(ctx, r.TransactionID)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusFailed {
			logrus.WithFields(logrus.Fields{
				"transaction_id": txn.TransactionID,
				"status":         txn.Status,
			}).Info("skipping retry for transaction that is no longer failed")
			return l.datasource.MarkRetryProcessed(ctx, r.RetryID, model.AttemptSkipped, l.now())
		}

		result, err := l.executeAttempt(ctx, txn, r.AttemptNumber)
		if err != nil {
			return err
		}
		ctx = context.WithoutCancel(ctx)
		if err := l.datasource.MarkRetryProcessed(ctx, r.RetryID, result.outcome, l.now()); err != nil {
			return err
		}
		if result.failure != nil {
			return l.handleFailure(ctx, txn, r.AttemptNumber, result.failure)
		}
		return nil
	})
}

// deadLetter parks a Failed transaction and alerts operators.
func (l *Paylane) deadLetter(ctx context.Context, txn *model.Transaction, failureType model.FailureType, reason string, attempts int) (*model.DeadLetterEntry, error) {
	now := l.now()
	entry := &model.DeadLetterEntry{
		EntryID:              model.GenerateUUIDWithSuffix("dlq"),
		TransactionID:        txn.TransactionID,
		FailureReason:        reason,
		FailureType:          failureType,
		AttemptCount:         attempts,
		RequiresManualReview: true,
		ReviewStatus:         model.ReviewPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	stored, err := l.deadLetterTransition(ctx, txn, entry, change{
		detail:       "moved to dead letter: " + reason,
		errorMessage: reason,
		apply:        func(t *model.Transaction) { t.FailureReason = reason },
	})
	if err != nil {
		return nil, err
	}

	notification.AlertDeadLetter(notification.DeadLetterAlert{
		TransactionID: txn.TransactionID,
		Provider:      txn.Provider,
		FailureType:   string(failureType),
		Reason:        reason,
		Attempts:      attempts,
	})
	return stored, nil
}
