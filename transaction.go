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
	"fmt"
	"strings"
	"time"

	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/database"
	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
)

// PaymentRequest is what a caller submits. Amounts arrive already computed.
type PaymentRequest struct {
	Reference   string
	Provider    string
	Purpose     model.Purpose
	Amount      decimal.Decimal
	Currency    string
	Payer       model.Payer
	ClientID    string
	FilingID    string
	Description string
	MetaData    map[string]interface{}
}

const refundedAmountKey = "refunded_amount"

// SubmitPayment validates, screens and records a payment and, unless async is set, submits it to
// the gateway right away. Async payments stay Initiated until the submission poller picks them up.
// A caller reference that was already used returns the existing transaction.
//
// A payment stopped by a Block rule ends dead-lettered and is returned alongside a
// *FraudBlockedError. Gateway failures are not returned as errors: the transaction comes back
// Failed with a retry scheduled, or DeadLetter.
func (l *Paylane) SubmitPayment(ctx context.Context, req PaymentRequest, async bool) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "SubmitPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", req.Reference), attribute.String("payment.provider", req.Provider))

	if strings.TrimSpace(req.Reference) == "" {
		return nil, validationError("reference is required")
	}
	existing, err := l.datasource.GetTransactionByReference(ctx, req.Reference)
	if err == nil {
		return existing, nil
	}
	if !apierror.IsCode(err, apierror.ErrNotFound) {
		return nil, err
	}

	adapter, err := l.gateways.Get(req.Provider)
	if err != nil {
		return nil, validationError("%v", err)
	}
	cfg, err := l.GetGatewayConfig(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, validationError("provider %s is not active", cfg.Provider)
	}

	now := l.now()
	txn := &model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		Reference:     req.Reference,
		Gateway:       adapter.Type(),
		Provider:      strings.ToLower(adapter.Name()),
		Purpose:       req.Purpose,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		Payer:         req.Payer,
		ClientID:      req.ClientID,
		FilingID:      req.FilingID,
		Description:   req.Description,
		Status:        model.StatusInitiated,
		RiskLevel:     model.RiskLow,
		MaxAttempts:   maxAttempts(cfg),
		InitiatedAt:   now,
		UpdatedAt:     now,
		MetaData:      req.MetaData,
	}
	if txn.Purpose == "" {
		txn.Purpose = model.PurposeOther
	}
	if err := adapter.Validate(submitRequest(txn), cfg); err != nil {
		return nil, validationError("%v", err)
	}
	txn.Fee = cfg.ComputeFee(txn.Amount)
	txn.NetAmount = txn.Amount.Sub(txn.Fee)
	if expiry := expiryWindow(); expiry > 0 {
		txn.ExpiresAt = ptr.Time(now.Add(expiry))
	}

	dailyCount, dailyTotal, err := l.checkLimits(ctx, cfg, txn, now)
	if err != nil {
		return nil, err
	}

	decision, err := l.EvaluateFraud(ctx, ruleFacts(txn, now, dailyCount, dailyTotal))
	if err != nil {
		return nil, err
	}
	txn.RiskLevel = decision.RiskLevel
	switch {
	case decision.Block != nil:
		txn.FraudRuleID = decision.Block.RuleID
	case decision.Review != nil:
		txn.FraudRuleID = decision.Review.RuleID
		txn.RequiresManualReview = true
	}

	err = l.datasource.CreateTransaction(ctx, txn, &model.TransactionLogEntry{
		TransactionID: txn.TransactionID,
		NewStatus:     model.StatusInitiated,
		Detail:        "payment initiated",
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	l.published(ctx, txn)
	l.recordTriggers(ctx, decision)
	l.announceFraud(ctx, txn, decision)

	if decision.Blocked() {
		return l.block(ctx, txn, decision.Block)
	}
	if async {
		return txn, nil
	}

	err = l.withTransactionLock(ctx, txn.TransactionID, func(ctx context.Context) error {
		return l.submit(ctx, txn, 1)
	})
	return txn, err
}

// submit runs attempt and routes its failure, if any.
func (l *Paylane) submit(ctx context.Context, txn *model.Transaction, attempt int) error {
	result, err := l.executeAttempt(ctx, txn, attempt)
	if err != nil {
		return err
	}
	if result.failure != nil {
		return l.handleFailure(context.WithoutCancel(ctx), txn, attempt, result.failure)
	}
	return nil
}

func expiryWindow() time.Duration {
	conf, err := config.Fetch()
	if err != nil || conf.Retry.ExpirySeconds <= 0 {
		return 0
	}
	return time.Duration(conf.Retry.ExpirySeconds) * time.Second
}

// checkLimits enforces the provider's daily and monthly limits for the payer. It returns the
// payer's daily count and total, which fraud rules can reference.
func (l *Paylane) checkLimits(ctx context.Context, cfg *model.GatewayConfig, txn *model.Transaction, now time.Time) (int, decimal.Decimal, error) {
	payer := database.PayerKey(txn.Payer)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	dailyCount, dailyTotal, err := l.datasource.SumPayerTransactions(ctx, payer, "", startOfDay)
	if err != nil {
		return 0, decimal.Zero, err
	}

	if !cfg.DailyLimit.IsZero() {
		_, providerDaily, err := l.datasource.SumPayerTransactions(ctx, payer, cfg.Provider, startOfDay)
		if err != nil {
			return 0, decimal.Zero, err
		}
		if providerDaily.Add(txn.Amount).GreaterThan(cfg.DailyLimit) {
			return 0, decimal.Zero, fmt.Errorf("%w: daily limit of %s %s reached", ErrLimitExceeded, cfg.DailyLimit, txn.Currency)
		}
	}
	if !cfg.MonthlyLimit.IsZero() {
		startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		_, monthly, err := l.datasource.SumPayerTransactions(ctx, payer, cfg.Provider, startOfMonth)
		if err != nil {
			return 0, decimal.Zero, err
		}
		if monthly.Add(txn.Amount).GreaterThan(cfg.MonthlyLimit) {
			return 0, decimal.Zero, fmt.Errorf("%w: monthly limit of %s %s reached", ErrLimitExceeded, cfg.MonthlyLimit, txn.Currency)
		}
	}
	return dailyCount, dailyTotal, nil
}

func (l *Paylane) announceFraud(ctx context.Context, txn *model.Transaction, decision *FraudDecision) {
	for _, rule := range decision.Notify {
		payload := map[string]interface{}{"rule_id": rule.RuleID, "rule_name": rule.Name, "transaction": txn}
		if err := l.SendWebhook(ctx, NewWebhook{Event: EventFraudNotify, Payload: payload}); err != nil {
			logrus.Errorf("failed to enqueue fraud notification: %v", err)
		}
	}
	if txn.RequiresManualReview {
		if err := l.SendWebhook(ctx, NewWebhook{Event: EventReviewRequired, Payload: txn}); err != nil {
			logrus.Errorf("failed to enqueue review notification: %v", err)
		}
	}
}

// block fails and dead-letters a payment stopped by rule. The gateway is never called.
func (l *Paylane) block(ctx context.Context, txn *model.Transaction, rule *model.FraudRule) (*model.Transaction, error) {
	failure := model.NewFailure(model.FailureBusiness, "FRAUD_BLOCKED", fmt.Sprintf("blocked by fraud rule %s (%s)", rule.RuleID, rule.Name))
	if err := l.markFailed(ctx, txn, failure, nil); err != nil {
		return nil, err
	}
	if _, err := l.deadLetter(ctx, txn, failure.Type, failure.Message, 0); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"rule_id":        rule.RuleID,
	}).Warn("payment blocked by fraud rule")
	return txn, &FraudBlockedError{RuleID: rule.RuleID, RuleName: rule.Name, Action: rule.Action}
}

func (l *Paylane) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return l.datasource.GetTransaction(ctx, id)
}

func (l *Paylane) ListTransactions(ctx context.Context, limit, offset int) ([]*model.Transaction, error) {
	return l.datasource.ListTransactions(ctx, limit, offset)
}

func (l *Paylane) GetTransactionLogs(ctx context.Context, id string) ([]*model.TransactionLogEntry, error) {
	if _, err := l.datasource.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return l.datasource.GetTransactionLogs(ctx, id)
}

func (l *Paylane) GetAttempts(ctx context.Context, id string) ([]*model.RetryAttempt, error) {
	if _, err := l.datasource.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return l.datasource.GetAttempts(ctx, id)
}

// locked loads the transaction under its lock and hands it to fn.
func (l *Paylane) locked(ctx context.Context, id string, fn func(ctx context.Context, txn *model.Transaction) error) (*model.Transaction, error) {
	var txn *model.Transaction
	err := l.withTransactionLock(ctx, id, func(ctx context.Context) error {
		var err error
		txn, err = l.datasource.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, txn)
	})
	return txn, err
}

// Approve completes a Pending or Processing payment and then requests its receipt. Approving
// twice fails with ErrDuplicateApproval and writes nothing.
func (l *Paylane) Approve(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Approve")
	defer span.End()

	txn, err := l.locked(ctx, id, func(ctx context.Context, txn *model.Transaction) error {
		if txn.ApprovedAt != nil || txn.Status == model.StatusCompleted || txn.Status == model.StatusSettled {
			return fmt.Errorf("%w: %s", ErrDuplicateApproval, txn.TransactionID)
		}
		if txn.Status != model.StatusPending && txn.Status != model.StatusProcessing {
			return transitionError(txn.Status, model.StatusCompleted)
		}
		now := l.now()
		return l.transition(ctx, txn, model.StatusCompleted, change{
			detail: "approved",
			apply: func(t *model.Transaction) {
				t.ApprovedAt = ptr.Time(now)
				t.RequiresManualReview = false
			},
		})
	})
	if err != nil {
		return txn, err
	}

	// receipts are best effort and never undo the approval
	if err := l.documents.GenerateReceipt(context.WithoutCancel(ctx), txn); err != nil {
		logrus.WithField("transaction_id", txn.TransactionID).Errorf("receipt generation failed: %v", err)
	}
	return txn, nil
}

// Reject declines a payment that has not completed. No receipt is produced.
func (l *Paylane) Reject(ctx context.Context, id, reason string) (*model.Transaction, error) {
	return l.cancel(ctx, id, "rejected", reason)
}

// Cancel withdraws a payment that has not completed.
func (l *Paylane) Cancel(ctx context.Context, id, reason string) (*model.Transaction, error) {
	return l.cancel(ctx, id, "cancelled", reason)
}

func (l *Paylane) cancel(ctx context.Context, id, verb, reason string) (*model.Transaction, error) {
	return l.locked(ctx, id, func(ctx context.Context, txn *model.Transaction) error {
		switch txn.Status {
		case model.StatusInitiated, model.StatusPending, model.StatusProcessing:
		default:
			return transitionError(txn.Status, model.StatusCancelled)
		}
		return l.transition(ctx, txn, model.StatusCancelled, change{
			detail: strings.TrimSpace(verb + ": " + reason),
			apply:  func(t *model.Transaction) { t.FailureReason = reason },
		})
	})
}

// RefundedAmount is the total refunded so far.
func RefundedAmount(txn *model.Transaction) decimal.Decimal {
	raw, ok := txn.MetaData[refundedAmountKey]
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(fmt.Sprint(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Refund returns money of a completed payment through its gateway. A nil amount refunds the
// remainder. Refunding everything ends Refunded, anything less PartialRefund.
func (l *Paylane) Refund(ctx context.Context, id string, amount *decimal.Decimal, reason string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Refund")
	defer span.End()

	return l.locked(ctx, id, func(ctx context.Context, txn *model.Transaction) error {
		if txn.Status != model.StatusCompleted && txn.Status != model.StatusPartialRefund {
			return transitionError(txn.Status, model.StatusRefunded)
		}
		remaining := txn.Amount.Sub(RefundedAmount(txn))
		value := remaining
		if amount != nil {
			value = *amount
		}
		if !value.IsPositive() || value.GreaterThan(remaining) {
			return validationError("refund amount must be positive and at most %s", remaining)
		}

		adapter, err := l.gateways.Get(txn.Provider)
		if err != nil {
			return err
		}
		res, err := adapter.Refund(ctx, gateway.RefundRequest{
			TransactionID:     txn.TransactionID,
			ExternalReference: txn.ExternalRef(),
			Amount:            value,
			Currency:          txn.Currency,
			Reason:            reason,
		})
		if err != nil {
			failure := gateway.Classify(err)
			return fmt.Errorf("refund of %s: %w", txn.TransactionID, failure)
		}

		total := RefundedAmount(txn).Add(value)
		to := model.StatusPartialRefund
		if total.Equal(txn.Amount) {
			to = model.StatusRefunded
		}
		return l.transition(context.WithoutCancel(ctx), txn, to, change{
			detail:   fmt.Sprintf("refunded %s %s: %s", value, txn.Currency, reason),
			response: res.Raw,
			apply: func(t *model.Transaction) {
				if t.MetaData == nil {
					t.MetaData = make(map[string]interface{})
				}
				t.MetaData[refundedAmountKey] = total.String()
				t.MetaData["last_refund_reference"] = res.RefundReference
			},
		})
	})
}

// Dispute marks a completed payment as contested by the payer.
func (l *Paylane) Dispute(ctx context.Context, id, reason string) (*model.Transaction, error) {
	return l.locked(ctx, id, func(ctx context.Context, txn *model.Transaction) error {
		return l.transition(ctx, txn, model.StatusDisputed, change{detail: "disputed: " + reason})
	})
}

// ResolveDispute closes a dispute as Completed (payer lost), Chargeback or Refunded.
func (l *Paylane) ResolveDispute(ctx context.Context, id string, outcome model.TransactionStatus, notes string) (*model.Transaction, error) {
	switch outcome {
	case model.StatusCompleted, model.StatusChargeback, model.StatusRefunded:
	default:
		return nil, validationError("dispute cannot be resolved as %s", outcome)
	}
	return l.locked(ctx, id, func(ctx context.Context, txn *model.Transaction) error {
		if txn.Status != model.StatusDisputed {
			return transitionError(txn.Status, outcome)
		}
		return l.transition(ctx, txn, outcome, change{detail: "dispute resolved: " + notes})
	})
}
