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
	"strings"
	"time"

	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"github.com/wacul/ptr"
)

// maxReferenceDistance is the edit distance up to which a statement reference still matches.
const maxReferenceDistance = 2

const reconciliationBatch = 1000

// ReconcileRequest ties a transaction to a line of the provider's statement.
type ReconcileRequest struct {
	StatementReference string
	StatementDate      *time.Time
	// StatementAmount, when set, must equal the transaction amount.
	StatementAmount *decimal.Decimal
	// Settle moves a Completed transaction to Settled.
	Settle bool
}

// Reconcile marks a transaction as matched against a statement. Reconciling twice is a no-op.
// An amount that disagrees with the ledger flags the transaction and returns
// ErrReconciliationMismatch.
func (l *Paylane) Reconcile(ctx context.Context, id string, req ReconcileRequest) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()

	return l.locked(ctx, id, func(ctx context.Context, txn *model.Transaction) error {
		return l.reconcile(ctx, txn, req)
	})
}

func (l *Paylane) reconcile(ctx context.Context, txn *model.Transaction, req ReconcileRequest) error {
	if txn.Reconciled {
		return nil
	}
	switch txn.Status {
	case model.StatusCompleted, model.StatusPartialRefund, model.StatusRefunded, model.StatusSettled:
	default:
		return fmt.Errorf("%w: %s transactions cannot be reconciled", ErrInvalidStateTransition, txn.Status)
	}

	if req.StatementAmount != nil && !req.StatementAmount.Equal(txn.Amount) {
		mismatch := fmt.Errorf("%w: statement amount %s, ledger amount %s", ErrReconciliationMismatch, req.StatementAmount, txn.Amount)
		logrus.WithField("transaction_id", txn.TransactionID).Warn(mismatch)
		if err := l.save(ctx, txn, func(t *model.Transaction) { t.ReconciliationFlagged = true }); err != nil {
			return err
		}
		return mismatch
	}

	now := l.now()
	mark := func(t *model.Transaction) {
		t.Reconciled = true
		t.ReconciledAt = ptr.Time(now)
		t.ReconciliationFlagged = false
		t.StatementReference = req.StatementReference
		t.StatementDate = req.StatementDate
	}
	if req.Settle && txn.Status == model.StatusCompleted {
		return l.transition(ctx, txn, model.StatusSettled, change{
			detail: "settled against statement " + req.StatementReference,
			apply:  mark,
		})
	}
	return l.save(ctx, txn, mark)
}

// StatementLine is one entry of a provider settlement statement.
type StatementLine struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Date      *time.Time      `json:"date,omitempty"`
}

type StatementMatch struct {
	Line          StatementLine `json:"line"`
	TransactionID string        `json:"transaction_id"`
	Fuzzy         bool          `json:"fuzzy"`
	Distance      int           `json:"distance"`
}

// ReconciliationReport summarizes one statement run.
type ReconciliationReport struct {
	Provider          string           `json:"provider"`
	StatementID       string           `json:"statement_id"`
	Matched           []StatementMatch `json:"matched"`
	Mismatched        []StatementMatch `json:"mismatched"`
	AlreadyReconciled []StatementMatch `json:"already_reconciled"`
	Unmatched         []StatementLine  `json:"unmatched"`
}

// ReconcileStatement matches a provider statement against the ledger. A line matches a
// transaction by exact external reference first; otherwise by a reference within
// maxReferenceDistance edits with the same amount and currency. Matched transactions are
// reconciled and, when settle is set, settled.
func (l *Paylane) ReconcileStatement(ctx context.Context, provider, statementID string, lines []StatementLine, settle bool) (*ReconciliationReport, error) {
	ctx, span := tracer.Start(ctx, "ReconcileStatement")
	defer span.End()

	provider = strings.ToLower(strings.TrimSpace(provider))
	if _, err := l.gateways.Get(provider); err != nil {
		return nil, validationError("%v", err)
	}

	candidates, err := l.datasource.ListReconciliationCandidates(ctx, provider, reconciliationBatch)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool)

	report := &ReconciliationReport{Provider: provider, StatementID: statementID}
	for _, line := range lines {
		match, err := l.matchLine(ctx, provider, line, candidates, taken)
		if err != nil {
			return nil, err
		}
		if match == nil {
			report.Unmatched = append(report.Unmatched, line)
			continue
		}
		taken[match.TransactionID] = true

		amount := line.Amount
		var reconciledAlready bool
		_, err = l.locked(ctx, match.TransactionID, func(ctx context.Context, txn *model.Transaction) error {
			reconciledAlready = txn.Reconciled
			return l.reconcile(ctx, txn, ReconcileRequest{
				StatementReference: statementID,
				StatementDate:      line.Date,
				StatementAmount:    &amount,
				Settle:             settle,
			})
		})
		switch {
		case errors.Is(err, ErrReconciliationMismatch), errors.Is(err, ErrInvalidStateTransition):
			report.Mismatched = append(report.Mismatched, *match)
		case err != nil:
			return nil, err
		case reconciledAlready:
			report.AlreadyReconciled = append(report.AlreadyReconciled, *match)
		default:
			report.Matched = append(report.Matched, *match)
		}
	}

	logrus.WithFields(logrus.Fields{
		"provider":   provider,
		"statement":  statementID,
		"matched":    len(report.Matched),
		"mismatched": len(report.Mismatched),
		"unmatched":  len(report.Unmatched),
	}).Info("statement reconciliation finished")
	return report, nil
}

func (l *Paylane) matchLine(ctx context.Context, provider string, line StatementLine, candidates []*model.Transaction, taken map[string]bool) (*StatementMatch, error) {
	txn, err := l.datasource.GetTransactionByExternalRef(ctx, provider, line.Reference)
	if err == nil {
		return &StatementMatch{Line: line, TransactionID: txn.TransactionID}, nil
	}
	if !apierror.IsCode(err, apierror.ErrNotFound) {
		return nil, err
	}

	var best *StatementMatch
	for _, c := range candidates {
		if taken[c.TransactionID] || c.ExternalReference == nil {
			continue
		}
		if !c.Amount.Equal(line.Amount) || !strings.EqualFold(c.Currency, line.Currency) {
			continue
		}
		distance := referenceDistance(line.Reference, *c.ExternalReference)
		if distance > maxReferenceDistance {
			continue
		}
		if best == nil || distance < best.Distance {
			best = &StatementMatch{Line: line, TransactionID: c.TransactionID, Fuzzy: true, Distance: distance}
		}
	}
	return best, nil
}

func referenceDistance(a, b string) int {
	return levenshtein.DistanceForStrings([]rune(strings.ToUpper(a)), []rune(strings.ToUpper(b)), levenshtein.DefaultOptionsWithSub)
}
