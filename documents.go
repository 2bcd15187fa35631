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
	"net/http"
	"time"

	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/internal/request"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

// DocumentGenerator produces the receipt of an approved payment. Rendering and storage live
// in the documents service; the engine only asks for it.
type DocumentGenerator interface {
	GenerateReceipt(ctx context.Context, txn *model.Transaction) error
}

// DocumentClient calls the documents service over HTTP.
type DocumentClient struct {
	url           string
	authorization string
	client        *http.Client
}

type receiptRequest struct {
	Type              string          `json:"type"`
	TransactionID     string          `json:"transaction_id"`
	Reference         string          `json:"reference"`
	ExternalReference string          `json:"external_reference,omitempty"`
	ClientID          string          `json:"client_id,omitempty"`
	FilingID          string          `json:"filing_id,omitempty"`
	Purpose           model.Purpose   `json:"purpose"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	Currency          string          `json:"currency"`
	PayerName         string          `json:"payer_name"`
	PayerEmail        string          `json:"payer_email,omitempty"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
}

func NewDocumentClient(conf config.DocumentsConfig) *DocumentClient {
	timeout := time.Duration(conf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DocumentClient{
		url:           conf.Url,
		authorization: conf.Headers.Authorization,
		client:        &http.Client{Timeout: timeout},
	}
}

// GenerateReceipt asks for a receipt. Without a configured URL it does nothing.
func (d *DocumentClient) GenerateReceipt(ctx context.Context, txn *model.Transaction) error {
	if d == nil || d.url == "" {
		return nil
	}

	payload, err := request.ToJsonReq(receiptRequest{
		Type:              "receipt",
		TransactionID:     txn.TransactionID,
		Reference:         txn.Reference,
		ExternalReference: txn.ExternalRef(),
		ClientID:          txn.ClientID,
		FilingID:          txn.FilingID,
		Purpose:           txn.Purpose,
		Amount:            txn.Amount,
		Fee:               txn.Fee,
		Currency:          txn.Currency,
		PayerName:         txn.Payer.Name,
		PayerEmail:        txn.Payer.Email,
		ApprovedAt:        txn.ApprovedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, payload)
	if err != nil {
		return err
	}
	if d.authorization != "" {
		req.Header.Set("Authorization", d.authorization)
	}
	req.Header.Set("Idempotency-Key", "receipt-"+txn.TransactionID)

	_, err = request.Call(d.client, req, nil)
	return err
}
