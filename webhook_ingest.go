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

	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// IngestWebhook stores a provider callback verbatim and then applies it at most once.
//
// The returned event carries the processing outcome. Only an invalid signature
// (ErrSignatureInvalid) or an unreadable payload return an error; duplicates, unmatched
// references and mismatches are acknowledged with a nil error.
func (l *Paylane) IngestWebhook(ctx context.Context, provider string, payload []byte, signature string) (*model.WebhookEvent, error) {
	ctx, span := tracer.Start(ctx, "IngestWebhook")
	defer span.End()

	event := &model.WebhookEvent{
		EventID:    model.GenerateUUIDWithSuffix("whk"),
		Provider:   strings.ToLower(strings.TrimSpace(provider)),
		Payload:    append([]byte(nil), payload...),
		Signature:  signature,
		Outcome:    model.WebhookReceived,
		ReceivedAt: l.now(),
	}
	if err := l.datasource.RecordWebhookEvent(ctx, event); err != nil {
		return nil, err
	}

	// whatever happens below, the event row is finalized
	ctx = context.WithoutCancel(ctx)
	err := l.applyWebhook(ctx, event)
	event.ProcessedAt = ptr.Time(l.now())
	if event.Error == "" && err != nil {
		event.Error = err.Error()
	}
	if uerr := l.datasource.UpdateWebhookEvent(ctx, event); uerr != nil {
		logrus.WithField("event_id", event.EventID).Errorf("failed to finalize webhook event: %v", uerr)
	}

	logrus.WithFields(logrus.Fields{
		"event_id":       event.EventID,
		"provider":       event.Provider,
		"transaction_id": event.TransactionID,
		"outcome":        event.Outcome,
	}).Info("webhook processed")
	return event, err
}

func (l *Paylane) applyWebhook(ctx context.Context, event *model.WebhookEvent) error {
	adapter, err := l.gateways.Get(event.Provider)
	if err != nil {
		event.Outcome = model.WebhookRejected
		return validationError("%v", err)
	}
	cfg, err := l.GetGatewayConfig(ctx, event.Provider)
	if err != nil {
		event.Outcome = model.WebhookRejected
		return err
	}

	if !gateway.VerifySignature(cfg.WebhookSecret, event.Payload, event.Signature) {
		event.Outcome = model.WebhookRejected
		return ErrSignatureInvalid
	}
	event.SignatureValid = true

	n, err := adapter.ParseWebhook(event.Payload)
	if err != nil {
		event.Outcome = model.WebhookInvalid
		return validationError("%v", err)
	}
	event.ExternalReference = n.ExternalReference
	event.ReportedStatus = n.Status

	applied, err := l.datasource.WebhookEventApplied(ctx, event.Provider, n.ExternalReference, n.Status)
	if err != nil {
		return err
	}
	if applied {
		event.Outcome = model.WebhookDuplicate
		return nil
	}

	txn, err := l.matchWebhook(ctx, event.Provider, n)
	if err != nil {
		return err
	}
	if txn == nil {
		event.Outcome = model.WebhookUnmatched
		return nil
	}
	event.TransactionID = txn.TransactionID

	return l.withTransactionLock(ctx, txn.TransactionID, func(ctx context.Context) error {
		txn, err := l.datasource.GetTransaction(ctx, event.TransactionID)
		if err != nil {
			return err
		}
		return l.applyNotification(ctx, event, txn, n)
	})
}

// matchWebhook finds the transaction by the provider's reference, falling back to our own
// reference echoed by the provider. A nil transaction means no match.
func (l *Paylane) matchWebhook(ctx context.Context, provider string, n *gateway.WebhookNotification) (*model.Transaction, error) {
	txn, err := l.datasource.GetTransactionByExternalRef(ctx, provider, n.ExternalReference)
	if err == nil {
		return txn, nil
	}
	if !apierror.IsCode(err, apierror.ErrNotFound) {
		return nil, err
	}
	if n.Reference == "" {
		return nil, nil
	}
	txn, err = l.datasource.GetTransactionByReference(ctx, n.Reference)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !strings.EqualFold(txn.Provider, provider) {
		return nil, nil
	}
	return txn, nil
}

func (l *Paylane) applyNotification(ctx context.Context, event *model.WebhookEvent, txn *model.Transaction, n *gateway.WebhookNotification) error {
	logger := logrus.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"event_id":       event.EventID,
		"reported":       n.Status,
		"current":        txn.Status,
	})

	if txn.Status == n.Status {
		event.Outcome = model.WebhookDuplicate
		return nil
	}
	// a dead-lettered payment already carries the provider's failure; only an operator moves it
	if txn.Status == model.StatusDeadLetter && n.Status == model.StatusFailed {
		event.Outcome = model.WebhookDuplicate
		return nil
	}

	if !txn.Status.CanTransitionTo(n.Status) {
		event.Outcome = model.WebhookMismatch
		event.Error = fmt.Errorf("%w: provider reported %s while transaction is %s", ErrReconciliationMismatch, n.Status, txn.Status).Error()
		logger.Warn(event.Error)
		if txn.ReconciliationFlagged {
			return nil
		}
		return l.save(ctx, txn, func(t *model.Transaction) { t.ReconciliationFlagged = true })
	}

	ref := n.ExternalReference
	withRef := func(t *model.Transaction) {
		if t.ExternalReference == nil && ref != "" {
			t.ExternalReference = &ref
		}
	}

	if n.Status == model.StatusFailed {
		failure := n.Failure
		if failure == nil {
			failure = model.NewFailure(model.FailureBusiness, "PROVIDER_FAILED", "provider reported the payment as failed")
		}
		// a failure reported after the fact is final for this payment
		failure.Type = model.FailureBusiness
		failure.Recoverable = false
		failure.RequiresManualIntervention = true

		err := l.transition(ctx, txn, model.StatusFailed, change{
			detail:       "webhook reported failure",
			response:     event.Payload,
			errorCode:    failure.Code,
			errorMessage: failure.Message,
			apply: func(t *model.Transaction) {
				withRef(t)
				t.LastError = failure.Message
				t.FailureReason = failure.Error()
			},
		})
		if err != nil {
			return err
		}
		event.Outcome = model.WebhookApplied
		return l.handleFailure(ctx, txn, txn.RetryCount+1, failure)
	}

	err := l.transition(ctx, txn, n.Status, change{
		detail:   "webhook reported " + string(n.Status),
		response: event.Payload,
		apply:    withRef,
	})
	if err != nil {
		return err
	}
	event.Outcome = model.WebhookApplied
	return nil
}
