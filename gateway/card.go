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

package gateway

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/paylane/paylane/model"
)

var cardStatuses = map[string]model.TransactionStatus{
	"APPROVED":           model.StatusCompleted,
	"CAPTURED":           model.StatusCompleted,
	"AUTHORIZED":         model.StatusProcessing,
	"PENDING":            model.StatusPending,
	"REQUIRES_ACTION":    model.StatusPending,
	"DECLINED":           model.StatusFailed,
	"FAILED":             model.StatusFailed,
	"VOIDED":             model.StatusCancelled,
	"REFUNDED":           model.StatusRefunded,
	"PARTIALLY_REFUNDED": model.StatusPartialRefund,
	"DISPUTED":           model.StatusDisputed,
	"CHARGEBACK":         model.StatusChargeback,
}

// Soft declines are worth another attempt later; hard declines never succeed on retry.
var cardCodes = codeTable{
	"DO_NOT_HONOR":            model.FailureGateway,
	"INSUFFICIENT_FUNDS":      model.FailureGateway,
	"ISSUER_UNAVAILABLE":      model.FailureGateway,
	"PROCESSING_ERROR":        model.FailureGateway,
	"TRY_AGAIN_LATER":         model.FailureGateway,
	"VELOCITY_EXCEEDED":       model.FailureGateway,
	"STOLEN_CARD":             model.FailureBusiness,
	"LOST_CARD":               model.FailureBusiness,
	"PICKUP_CARD":             model.FailureBusiness,
	"EXPIRED_CARD":            model.FailureBusiness,
	"FRAUDULENT":              model.FailureBusiness,
	"RESTRICTED_CARD":         model.FailureBusiness,
	"INVALID_ACCOUNT":         model.FailureBusiness,
	"TRANSACTION_NOT_ALLOWED": model.FailureBusiness,
	"INVALID_TOKEN":           model.FailureValidation,
	"INVALID_AMOUNT":          model.FailureValidation,
}

// Card charges a tokenized card through a card processor.
type Card struct {
	*base
}

func NewCard(p Provider) *Card {
	return &Card{base: &base{
		name:        p.Name,
		gatewayType: model.GatewayCard,
		http:        newHTTPClient(p),
		paths:       endpoints{submit: "/charges", status: "/charges/", refund: "/refunds"},
		statuses:    cardStatuses,
		codes:       cardCodes,
	}}
}

type chargeRequest struct {
	Reference   string `json:"reference"`
	CardToken   string `json:"card_token"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
}

func (c *Card) Validate(req SubmitRequest, cfg *model.GatewayConfig) error {
	errs := commonErrors(req, cfg)
	errs["payer.card_token"] = validation.Validate(req.Payer.CardToken, validation.Required)
	errs["payer.email"] = validation.Validate(req.Payer.Email, is.EmailFormat)
	return errs.Filter()
}

func (c *Card) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	return c.submit(ctx, req.TransactionID, chargeRequest{
		Reference:   req.TransactionID,
		CardToken:   req.Payer.CardToken,
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Email:       req.Payer.Email,
		Description: req.Description,
	})
}
