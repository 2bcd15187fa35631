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

// Package gateway talks to the external payment providers: mobile-money operators, banks and
// card processors. Every adapter speaks the provider's HTTP API and reports failures as
// *model.FailureRecord so callers can decide between retrying and dead-lettering.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

type SubmitRequest struct {
	TransactionID string
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Purpose       model.Purpose
	Payer         model.Payer
	Description   string
}

// SubmitResult is what the provider acknowledged. Status is Completed, Pending or Processing;
// provider-declared failures are returned as errors instead.
type SubmitResult struct {
	ExternalReference string
	Status            model.TransactionStatus
	Raw               json.RawMessage
}

type StatusResult struct {
	ExternalReference string
	Status            model.TransactionStatus
	Failure           *model.FailureRecord
	Raw               json.RawMessage
}

type RefundRequest struct {
	TransactionID     string
	ExternalReference string
	Amount            decimal.Decimal
	Currency          string
	Reason            string
}

type RefundResult struct {
	RefundReference string
	Status          model.TransactionStatus
	Raw             json.RawMessage
}

// WebhookNotification is a provider callback decoded into engine terms.
type WebhookNotification struct {
	ExternalReference string
	Reference         string
	Status            model.TransactionStatus
	Amount            decimal.Decimal
	Currency          string
	Failure           *model.FailureRecord
}

// Adapter is implemented once per gateway family.
type Adapter interface {
	Name() string
	Type() model.GatewayType
	// Validate checks a submission against the provider's own rules and its GatewayConfig.
	Validate(req SubmitRequest, cfg *model.GatewayConfig) error
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	QueryStatus(ctx context.Context, externalReference string) (*StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	ParseWebhook(payload []byte) (*WebhookNotification, error)
}
