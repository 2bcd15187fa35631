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
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/paylane/paylane/internal/request"
	"github.com/paylane/paylane/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrUnknownStatus is returned by ParseWebhook when the provider reports a status the
// adapter cannot map.
var ErrUnknownStatus = errors.New("unknown provider status")

type endpoints struct {
	submit string
	status string
	refund string
}

// providerResponse is the envelope every supported provider answers with.
type providerResponse struct {
	ExternalReference string          `json:"external_reference"`
	Reference         string          `json:"reference"`
	Status            string          `json:"status"`
	Code              string          `json:"code"`
	Message           string          `json:"message"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

type refundBody struct {
	OriginalReference string `json:"original_reference"`
	Reference         string `json:"reference"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Reason            string `json:"reason,omitempty"`
}

// base implements the parts of Adapter that only differ by configuration.
type base struct {
	name        string
	gatewayType model.GatewayType
	http        *httpClient
	paths       endpoints
	statuses    map[string]model.TransactionStatus
	codes       codeTable
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Type() model.GatewayType {
	return b.gatewayType
}

func (b *base) mapStatus(s string) (model.TransactionStatus, bool) {
	st, ok := b.statuses[strings.ToUpper(strings.TrimSpace(s))]
	return st, ok
}

// declined converts an error from the transport into a FailureRecord, reading the provider's
// decline code from a 4xx body when there is one.
func (b *base) declined(err error) *model.FailureRecord {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusTooManyRequests && statusErr.StatusCode != http.StatusRequestTimeout {
		var resp providerResponse
		if json.Unmarshal([]byte(statusErr.Body), &resp) == nil && resp.Code != "" {
			return b.codes.classify(resp.Code, resp.Message)
		}
	}
	return Classify(err)
}

func (b *base) decode(raw json.RawMessage) (*providerResponse, error) {
	var resp providerResponse
	if len(raw) == 0 {
		return nil, model.NewFailure(model.FailureGateway, CodeProviderError, b.name+" returned an empty body")
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, model.NewFailure(model.FailureGateway, CodeProviderError, "malformed provider response: "+err.Error())
	}
	return &resp, nil
}

func (b *base) submit(ctx context.Context, transactionID string, body interface{}) (*SubmitResult, error) {
	raw, err := b.http.do(ctx, http.MethodPost, b.paths.submit, body, map[string]string{"Idempotency-Key": transactionID})
	if err != nil {
		return nil, b.declined(err)
	}
	resp, err := b.decode(raw)
	if err != nil {
		return nil, err
	}

	status, ok := b.mapStatus(resp.Status)
	if !ok {
		status = model.StatusProcessing
	}
	switch status {
	case model.StatusFailed, model.StatusCancelled, model.StatusExpired:
		return nil, b.codes.classify(resp.Code, resp.Message)
	}
	if resp.ExternalReference == "" {
		return nil, model.NewFailure(model.FailureGateway, CodeProviderError, b.name+" accepted the request without a reference")
	}
	return &SubmitResult{ExternalReference: resp.ExternalReference, Status: status, Raw: raw}, nil
}

func (b *base) QueryStatus(ctx context.Context, externalReference string) (*StatusResult, error) {
	raw, err := b.http.do(ctx, http.MethodGet, b.paths.status+url.PathEscape(externalReference), nil, nil)
	if err != nil {
		return nil, b.declined(err)
	}
	resp, err := b.decode(raw)
	if err != nil {
		return nil, err
	}

	status, ok := b.mapStatus(resp.Status)
	if !ok {
		return nil, model.NewFailure(model.FailureGateway, CodeUnknown, "unknown provider status "+resp.Status)
	}
	result := &StatusResult{ExternalReference: externalReference, Status: status, Raw: raw}
	if status == model.StatusFailed {
		result.Failure = b.codes.classify(resp.Code, resp.Message)
	}
	return result, nil
}

func (b *base) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := refundBody{
		OriginalReference: req.ExternalReference,
		Reference:         req.TransactionID,
		Amount:            req.Amount.StringFixed(2),
		Currency:          req.Currency,
		Reason:            req.Reason,
	}
	raw, err := b.http.do(ctx, http.MethodPost, b.paths.refund, body, map[string]string{"Idempotency-Key": "refund-" + req.TransactionID + "-" + body.Amount})
	if err != nil {
		return nil, b.declined(err)
	}
	resp, err := b.decode(raw)
	if err != nil {
		return nil, err
	}
	status, ok := b.mapStatus(resp.Status)
	if ok && status == model.StatusFailed {
		return nil, b.codes.classify(resp.Code, resp.Message)
	}
	return &RefundResult{RefundReference: resp.ExternalReference, Status: status, Raw: raw}, nil
}

func (b *base) ParseWebhook(payload []byte) (*WebhookNotification, error) {
	var resp providerResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "decode webhook payload")
	}
	if resp.ExternalReference == "" {
		return nil, errors.New("webhook payload has no external_reference")
	}
	status, ok := b.mapStatus(resp.Status)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStatus, "%q", resp.Status)
	}
	n := &WebhookNotification{
		ExternalReference: resp.ExternalReference,
		Reference:         resp.Reference,
		Status:            status,
		Amount:            resp.Amount,
		Currency:          resp.Currency,
	}
	if status == model.StatusFailed {
		n.Failure = b.codes.classify(resp.Code, resp.Message)
	}
	return n, nil
}
