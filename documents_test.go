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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

const documentsURL = "http://documents.paylane.test/v1/documents"

func newMockedDocumentClient(t *testing.T) *DocumentClient {
	t.Helper()
	conf := config.DocumentsConfig{Url: documentsURL, Timeout: 2}
	conf.Headers.Authorization = "Bearer docs-token"

	client := NewDocumentClient(conf)
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestGenerateReceipt(t *testing.T) {
	client := newMockedDocumentClient(t)

	txn := &model.Transaction{
		TransactionID: "txn_receipt",
		Reference:     "INV-2025-0042",
		Purpose:       model.PurposeTaxPayment,
		Amount:        decimal.NewFromInt(1200),
		Fee:           decimal.NewFromInt(13),
		Currency:      "KES",
		Payer:         model.Payer{Name: "Wanjiru Kamau", Email: "wanjiru@example.com"},
		ApprovedAt:    ptr.Time(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)),
	}

	httpmock.RegisterResponder(http.MethodPost, documentsURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer docs-token", req.Header.Get("Authorization"))
		assert.Equal(t, "receipt-txn_receipt", req.Header.Get("Idempotency-Key"))

		var body receiptRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "receipt", body.Type)
		assert.Equal(t, "INV-2025-0042", body.Reference)
		assert.True(t, decimal.NewFromInt(1200).Equal(body.Amount))
		return httpmock.NewStringResponse(http.StatusAccepted, `{"id":"doc_1"}`), nil
	})

	require.NoError(t, client.GenerateReceipt(context.Background(), txn))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestGenerateReceipt_ServiceError(t *testing.T) {
	client := newMockedDocumentClient(t)
	httpmock.RegisterResponder(http.MethodPost, documentsURL, httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	err := client.GenerateReceipt(context.Background(), &model.Transaction{TransactionID: "txn_1"})
	require.Error(t, err)
}

func TestGenerateReceipt_Unconfigured(t *testing.T) {
	var nilClient *DocumentClient
	assert.NoError(t, nilClient.GenerateReceipt(context.Background(), &model.Transaction{}))
	assert.NoError(t, NewDocumentClient(config.DocumentsConfig{}).GenerateReceipt(context.Background(), &model.Transaction{}))
}
