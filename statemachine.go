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
	"encoding/json"

	"github.com/paylane/paylane/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
)

// change describes one accepted transition. apply runs on a copy of the transaction before it
// is persisted, so a rejected write never leaks into the caller's value.
type change struct {
	detail       string
	request      json.RawMessage
	response     json.RawMessage
	errorCode    string
	errorMessage string
	apply        func(txn *model.Transaction)

	// rearm marks the operator action that is the only way out of DeadLetter.
	rearm bool
}

// Transition moves txn to the given status and appends one log entry in the same unit of work.
// An illegal move returns ErrInvalidStateTransition and leaves txn untouched.
func (l *Paylane) Transition(ctx context.Context, txn *model.Transaction, to model.TransactionStatus, detail string) error {
	return l.transition(ctx, txn, to, change{detail: detail})
}

func (l *Paylane) transition(ctx context.Context, txn *model.Transaction, to model.TransactionStatus, c change) error {
	ctx, span := tracer.Start(ctx, "Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", txn.TransactionID),
		attribute.String("transaction.from", string(txn.Status)),
		attribute.String("transaction.to", string(to)),
	)

	next, entry, err := l.prepare(txn, to, c)
	if err != nil {
		return err
	}
	if err := l.datasource.UpdateTransaction(ctx, next, entry); err != nil {
		span.RecordError(err)
		return err
	}
	*txn = *next
	l.published(ctx, txn)
	return nil
}

// deadLetterTransition is transition to DeadLetter plus the upsert of the active entry.
func (l *Paylane) deadLetterTransition(ctx context.Context, txn *model.Transaction, dl *model.DeadLetterEntry, c change) (*model.DeadLetterEntry, error) {
	ctx, span := tracer.Start(ctx, "DeadLetterTransition")
	defer span.End()

	next, entry, err := l.prepare(txn, model.StatusDeadLetter, c)
	if err != nil {
		return nil, err
	}
	stored, err := l.datasource.DeadLetterTransaction(ctx, next, entry, dl)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	*txn = *next
	l.published(ctx, txn)
	return stored, nil
}

func (l *Paylane) prepare(txn *model.Transaction, to model.TransactionStatus, c change) (*model.Transaction, *model.TransactionLogEntry, error) {
	from := txn.Status
	if !from.CanTransitionTo(to) || (from == model.StatusDeadLetter && !c.rearm) {
		return nil, nil, transitionError(from, to)
	}

	now := l.now()
	next := txn.Clone()
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case model.StatusProcessing:
		next.ProcessedAt = ptr.Time(now)
	case model.StatusCompleted:
		if next.CompletedAt == nil {
			next.CompletedAt = ptr.Time(now)
		}
	case model.StatusFailed:
		next.FailedAt = ptr.Time(now)
	case model.StatusInitiated, model.StatusPending, model.StatusCancelled, model.StatusExpired,
		model.StatusRefunded, model.StatusPartialRefund, model.StatusDisputed, model.StatusChargeback,
		model.StatusSettled, model.StatusDeadLetter:
	}
	if c.apply != nil {
		c.apply(next)
	}

	entry := &model.TransactionLogEntry{
		TransactionID:   txn.TransactionID,
		PreviousStatus:  from,
		NewStatus:       to,
		Detail:          c.detail,
		RequestPayload:  c.request,
		ResponsePayload: c.response,
		ErrorCode:       c.errorCode,
		ErrorMessage:    c.errorMessage,
		CreatedAt:       now,
	}
	return next, entry, nil
}

// save persists field changes that are not a status change, such as reconciliation flags.
func (l *Paylane) save(ctx context.Context, txn *model.Transaction, apply func(txn *model.Transaction)) error {
	next := txn.Clone()
	apply(next)
	next.UpdatedAt = l.now()
	if err := l.datasource.UpdateTransaction(ctx, next, nil); err != nil {
		return err
	}
	*txn = *next
	return nil
}

func (l *Paylane) published(ctx context.Context, txn *model.Transaction) {
	if err := l.SendWebhook(ctx, NewWebhook{Event: txn.Status.Event(), Payload: txn}); err != nil {
		logrus.WithField("transaction_id", txn.TransactionID).Errorf("failed to enqueue %s notification: %v", txn.Status.Event(), err)
	}
}
