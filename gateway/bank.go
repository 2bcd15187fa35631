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
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/paylane/paylane/model"
)

var accountNumberPattern = regexp.MustCompile(`^\d{8,20}$`)

var bankStatuses = map[string]model.TransactionStatus{
	"COMPLETED":   model.StatusCompleted,
	"SETTLED":     model.StatusCompleted,
	"SUBMITTED":   model.StatusPending,
	"QUEUED":      model.StatusPending,
	"IN_PROGRESS": model.StatusProcessing,
	"FAILED":      model.StatusFailed,
	"REJECTED":    model.StatusFailed,
	"CANCELLED":   model.StatusCancelled,
	"RETURNED":    model.StatusRefunded,
}

var bankCodes = codeTable{
	"INVALID_ACCOUNT":    model.FailureBusiness,
	"ACCOUNT_CLOSED":     model.FailureBusiness,
	"ACCOUNT_FROZEN":     model.FailureBusiness,
	"INSUFFICIENT_FUNDS": model.FailureBusiness,
	"BENEFICIARY_REJECT": model.FailureBusiness,
	"INVALID_BANK_CODE":  model.FailureValidation,
	"INVALID_NARRATION":  model.FailureValidation,
	"BANK_UNAVAILABLE":   model.FailureGateway,
	"CUTOFF_PASSED":      model.FailureGateway,
	"SWITCH_ERROR":       model.FailureGateway,
}

// BankTransfer debits the payer's account through a bank or clearing switch.
type BankTransfer struct {
	*base
}

func NewBankTransfer(p Provider) *BankTransfer {
	return &BankTransfer{base: &base{
		name:        p.Name,
		gatewayType: model.GatewayBankTransfer,
		http:        newHTTPClient(p),
		paths:       endpoints{submit: "/transfers", status: "/transfers/", refund: "/transfers/returns"},
		statuses:    bankStatuses,
		codes:       bankCodes,
	}}
}

type transferRequest struct {
	Reference     string `json:"reference"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name,omitempty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Narration     string `json:"narration,omitempty"`
}

func (b *BankTransfer) Validate(req SubmitRequest, cfg *model.GatewayConfig) error {
	errs := commonErrors(req, cfg)
	errs["payer.account"] = validation.Validate(req.Payer.Account, validation.Required,
		validation.Match(accountNumberPattern).Error("must be 8 to 20 digits"))
	errs["payer.bank_code"] = validation.Validate(req.Payer.BankCode, validation.Required)
	return errs.Filter()
}

func (b *BankTransfer) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	return b.submit(ctx, req.TransactionID, transferRequest{
		Reference:     req.TransactionID,
		AccountNumber: req.Payer.Account,
		BankCode:      req.Payer.BankCode,
		AccountName:   req.Payer.Name,
		Amount:        req.Amount.StringFixed(2),
		Currency:      req.Currency,
		Narration:     req.Description,
	})
}
