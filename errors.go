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
	"errors"
	"fmt"
	"net/http"

	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/internal/apierror"
	redlock "github.com/paylane/paylane/internal/lock"
	"github.com/paylane/paylane/model"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrDuplicateApproval       = errors.New("transaction already approved")
	ErrSignatureInvalid        = errors.New("webhook signature is invalid")
	ErrReconciliationMismatch  = errors.New("reconciliation mismatch")
	ErrInvalidReviewTransition = errors.New("invalid dead letter review transition")
	ErrLimitExceeded           = errors.New("gateway limit exceeded")
)

// FraudBlockedError is returned when a Block rule stops a payment before it reaches the gateway.
type FraudBlockedError struct {
	RuleID   string            `json:"rule_id"`
	RuleName string            `json:"rule_name"`
	Action   model.FraudAction `json:"action"`
}

func (e *FraudBlockedError) Error() string {
	return fmt.Sprintf("payment blocked by fraud rule %s (%s)", e.RuleID, e.RuleName)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transitionError(from, to model.TransactionStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// HTTPStatus maps an engine error onto the status code the API answers with.
func HTTPStatus(err error) int {
	var blocked *FraudBlockedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &blocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrValidation), errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrDuplicateApproval),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrInvalidReviewTransition),
		errors.Is(err, ErrReconciliationMismatch),
		errors.Is(err, redlock.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusUnprocessableEntity
	}

	var failure *model.FailureRecord
	if errors.As(err, &failure) {
		if failure.Type == model.FailureValidation || failure.Type == model.FailureBusiness {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	}
	return apierror.MapErrorToHTTPStatus(err)
}
