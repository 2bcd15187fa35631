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

var mobileMoneyStatuses = map[string]model.TransactionStatus{
	"SUCCESS":    model.StatusCompleted,
	"SUCCESSFUL": model.StatusCompleted,
	"PENDING":    model.StatusPending,
	"ACCEPTED":   model.StatusProcessing,
	"PROCESSING": model.StatusProcessing,
	"FAILED":     model.StatusFailed,
	"CANCELLED":  model.StatusCancelled,
	"EXPIRED":    model.StatusExpired,
	"REVERSED":   model.StatusRefunded,
}

var mobileMoneyCodes = codeTable{
	"INSUFFICIENT_FUNDS":   model.FailureBusiness,
	"SUBSCRIBER_NOT_FOUND": model.FailureBusiness,
	"ACCOUNT_LOCKED":       model.FailureBusiness,
	"LIMIT_EXCEEDED":       model.FailureBusiness,
	"USER_REJECTED":        model.FailureBusiness,
	"INVALID_MSISDN":       model.FailureValidation,
	"INVALID_AMOUNT":       model.FailureValidation,
	"SYSTEM_BUSY":          model.FailureGateway,
	"SERVICE_UNAVAILABLE":  model.FailureGateway,
	"PROMPT_TIMEOUT":       model.FailureGateway,
}

// MobileMoney collects payments by pushing a prompt to the payer's handset.
type MobileMoney struct {
	*base
}

func NewMobileMoney(p Provider) *MobileMoney {
	return &MobileMoney{base: &base{
		name:        p.Name,
		gatewayType: model.GatewayMobileMoney,
		http:        newHTTPClient(p),
		paths:       endpoints{submit: "/v1/collections", status: "/v1/collections/", refund: "/v1/reversals"},
		statuses:    mobileMoneyStatuses,
		codes:       mobileMoneyCodes,
	}}
}

type collectionRequest struct {
	Reference string `json:"reference"`
	MSISDN    string `json:"msisdn"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Narration string `json:"narration,omitempty"`
	PayerName string `json:"payer_name,omitempty"`
}

func (m *MobileMoney) Validate(req SubmitRequest, cfg *model.GatewayConfig) error {
	errs := commonErrors(req, cfg)
	errs["payer.phone"] = validation.Validate(req.Payer.Phone, validation.Required, is.E164)
	return errs.Filter()
}

func (m *MobileMoney) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	return m.submit(ctx, req.TransactionID, collectionRequest{
		Reference: req.TransactionID,
		MSISDN:    req.Payer.Phone,
		Amount:    req.Amount.StringFixed(2),
		Currency:  req.Currency,
		Narration: req.Description,
		PayerName: req.Payer.Name,
	})
}
