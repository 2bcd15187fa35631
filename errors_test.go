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
	"testing"

	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/internal/apierror"
	redlock "github.com/paylane/paylane/internal/lock"
	"github.com/paylane/paylane/model"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"fraud block", &FraudBlockedError{RuleID: "rule_1", Action: model.FraudBlock}, http.StatusUnprocessableEntity},
		{"validation", validationError("amount must be positive"), http.StatusBadRequest},
		{"unknown provider", fmt.Errorf("lookup: %w", gateway.ErrUnknownProvider), http.StatusBadRequest},
		{"signature", ErrSignatureInvalid, http.StatusUnauthorized},
		{"duplicate approval", fmt.Errorf("%w: txn_1", ErrDuplicateApproval), http.StatusConflict},
		{"illegal transition", transitionError(model.StatusCompleted, model.StatusPending), http.StatusConflict},
		{"lock held", redlock.ErrLockHeld, http.StatusConflict},
		{"limit", ErrLimitExceeded, http.StatusUnprocessableEntity},
		{"business failure", model.NewFailure(model.FailureBusiness, "INSUFFICIENT_FUNDS", "no funds"), http.StatusUnprocessableEntity},
		{"gateway failure", model.NewFailure(model.FailureGateway, "PROVIDER_ERROR", "500"), http.StatusBadGateway},
		{"not found", apierror.NewAPIError(apierror.ErrNotFound, "missing", nil), http.StatusNotFound},
		{"unexpected", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestFraudBlockedError(t *testing.T) {
	err := &FraudBlockedError{RuleID: "rule_9", RuleName: "velocity", Action: model.FraudBlock}
	assert.Contains(t, err.Error(), "rule_9")
}
