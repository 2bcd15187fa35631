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

package model

import (
	"fmt"
	"strings"
)

// TransactionStatus is the lifecycle status of a payment transaction.
type TransactionStatus string

const (
	StatusInitiated     TransactionStatus = "INITIATED"
	StatusPending       TransactionStatus = "PENDING"
	StatusProcessing    TransactionStatus = "PROCESSING"
	StatusCompleted     TransactionStatus = "COMPLETED"
	StatusFailed        TransactionStatus = "FAILED"
	StatusCancelled     TransactionStatus = "CANCELLED"
	StatusExpired       TransactionStatus = "EXPIRED"
	StatusRefunded      TransactionStatus = "REFUNDED"
	StatusPartialRefund TransactionStatus = "PARTIAL_REFUND"
	StatusDisputed      TransactionStatus = "DISPUTED"
	StatusChargeback    TransactionStatus = "CHARGEBACK"
	StatusSettled       TransactionStatus = "SETTLED"
	StatusDeadLetter    TransactionStatus = "DEAD_LETTER"
)

// AllTransactionStatuses lists every status in declaration order.
var AllTransactionStatuses = []TransactionStatus{
	StatusInitiated,
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusExpired,
	StatusRefunded,
	StatusPartialRefund,
	StatusDisputed,
	StatusChargeback,
	StatusSettled,
	StatusDeadLetter,
}

// transitions is the fixed table of legal status changes. A status missing from a
// row's target list can never be reached from that row.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated:     {StatusProcessing, StatusPending, StatusFailed, StatusCancelled, StatusExpired},
	StatusPending:       {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing:    {StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusFailed:        {StatusProcessing, StatusDeadLetter},
	StatusCompleted:     {StatusRefunded, StatusPartialRefund, StatusDisputed, StatusChargeback, StatusSettled},
	StatusPartialRefund: {StatusRefunded, StatusPartialRefund, StatusDisputed, StatusSettled},
	StatusDisputed:      {StatusCompleted, StatusChargeback, StatusRefunded},
	StatusDeadLetter:    {StatusFailed},
	StatusCancelled:     nil,
	StatusExpired:       nil,
	StatusRefunded:      nil,
	StatusChargeback:    nil,
	StatusSettled:       nil,
}

// ParseTransactionStatus converts a raw string into a known status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown transaction status %q", raw)
	}
	return status, nil
}

// Valid reports whether the status belongs to the closed status set.
func (s TransactionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed by the transition table.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTransient reports whether the transaction is still in flight.
func (s TransactionStatus) IsTransient() bool {
	switch s {
	case StatusInitiated, StatusPending, StatusProcessing:
		return true
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusRefunded,
		StatusPartialRefund, StatusDisputed, StatusChargeback, StatusSettled, StatusDeadLetter:
		return false
	}
	return false
}

// IsTerminal reports whether the status is terminal for automatic processing.
// Manual actions (refunds, dispute handling, dead-letter re-arm) may still move it.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusDeadLetter, StatusSettled,
		StatusRefunded, StatusPartialRefund, StatusDisputed, StatusChargeback:
		return true
	case StatusInitiated, StatusPending, StatusProcessing, StatusFailed:
		return false
	}
	return false
}

// Event returns the outbound notification event name for a status.
func (s TransactionStatus) Event() string {
	switch s {
	case StatusInitiated:
		return "transaction.initiated"
	case StatusPending:
		return "transaction.pending"
	case StatusProcessing:
		return "transaction.processing"
	case StatusCompleted:
		return "transaction.completed"
	case StatusFailed:
		return "transaction.failed"
	case StatusCancelled:
		return "transaction.cancelled"
	case StatusExpired:
		return "transaction.expired"
	case StatusRefunded:
		return "transaction.refunded"
	case StatusPartialRefund:
		return "transaction.partially_refunded"
	case StatusDisputed:
		return "transaction.disputed"
	case StatusChargeback:
		return "transaction.chargeback"
	case StatusSettled:
		return "transaction.settled"
	case StatusDeadLetter:
		return "transaction.dead_lettered"
	}
	return "transaction.unknown"
}

// ReviewStatus is the manual review state of a dead-letter entry.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "PENDING"
	ReviewInReview  ReviewStatus = "IN_REVIEW"
	ReviewResolved  ReviewStatus = "RESOLVED"
	ReviewDiscarded ReviewStatus = "DISCARDED"
)

// CanTransitionTo enforces Pending -> InReview -> {Resolved, Discarded}.
func (r ReviewStatus) CanTransitionTo(next ReviewStatus) bool {
	switch r {
	case ReviewPending:
		return next == ReviewInReview
	case ReviewInReview:
		return next == ReviewResolved || next == ReviewDiscarded
	case ReviewResolved, ReviewDiscarded:
		return false
	}
	return false
}

// IsActive reports whether the entry still awaits an operator decision.
func (r ReviewStatus) IsActive() bool {
	switch r {
	case ReviewPending, ReviewInReview:
		return true
	case ReviewResolved, ReviewDiscarded:
		return false
	}
	return false
}

// FailureType classifies a single failure event.
type FailureType string

const (
	FailureGateway    FailureType = "GATEWAY"
	FailureNetwork    FailureType = "NETWORK"
	FailureValidation FailureType = "VALIDATION"
	FailureBusiness   FailureType = "BUSINESS"
)

// DefaultRecoverable is the recoverability implied by the failure type alone.
func (f FailureType) DefaultRecoverable() bool {
	switch f {
	case FailureGateway, FailureNetwork:
		return true
	case FailureValidation, FailureBusiness:
		return false
	}
	return false
}

// AttemptOutcome is the result of one execution attempt against a gateway.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "SUCCEEDED"
	AttemptPending   AttemptOutcome = "PENDING"
	AttemptFailed    AttemptOutcome = "FAILED"
	AttemptSkipped   AttemptOutcome = "SKIPPED"
)

// WebhookOutcome is the processing result of an inbound provider callback.
type WebhookOutcome string

const (
	WebhookReceived  WebhookOutcome = "RECEIVED"
	WebhookApplied   WebhookOutcome = "APPLIED"
	WebhookDuplicate WebhookOutcome = "DUPLICATE"
	WebhookRejected  WebhookOutcome = "REJECTED"
	WebhookUnmatched WebhookOutcome = "UNMATCHED"
	WebhookMismatch  WebhookOutcome = "MISMATCH"
	WebhookInvalid   WebhookOutcome = "INVALID"
)

// IsTerminal reports whether the webhook event may no longer be changed.
func (o WebhookOutcome) IsTerminal() bool {
	return o != WebhookReceived
}
