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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/database/inmemory"
	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testProvider = "mpesa"

// submitFunc answers the n-th Submit call, starting at 1.
type submitFunc func(call int, req gateway.SubmitRequest) (*gateway.SubmitResult, error)

// fakeAdapter is a scripted gateway. ParseWebhook accepts the provider's plain JSON shape.
type fakeAdapter struct {
	mu          sync.Mutex
	name        string
	submit      submitFunc
	query       func(ref string) (*gateway.StatusResult, error)
	refund      func(req gateway.RefundRequest) (*gateway.RefundResult, error)
	validateErr error
	submits     []gateway.SubmitRequest
	refunds     []gateway.RefundRequest
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		submit: func(call int, req gateway.SubmitRequest) (*gateway.SubmitResult, error) {
			return &gateway.SubmitResult{ExternalReference: "EXT-" + req.TransactionID, Status: model.StatusCompleted}, nil
		},
	}
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) Type() model.GatewayType { return model.GatewayMobileMoney }

func (f *fakeAdapter) Validate(gateway.SubmitRequest, *model.GatewayConfig) error {
	return f.validateErr
}

func (f *fakeAdapter) Submit(_ context.Context, req gateway.SubmitRequest) (*gateway.SubmitResult, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	call := len(f.submits)
	fn := f.submit
	f.mu.Unlock()
	return fn(call, req)
}

func (f *fakeAdapter) QueryStatus(_ context.Context, ref string) (*gateway.StatusResult, error) {
	if f.query == nil {
		return &gateway.StatusResult{ExternalReference: ref, Status: model.StatusPending}, nil
	}
	return f.query(ref)
}

func (f *fakeAdapter) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.mu.Lock()
	f.refunds = append(f.refunds, req)
	f.mu.Unlock()
	if f.refund == nil {
		return &gateway.RefundResult{RefundReference: "RF-" + req.TransactionID, Status: model.StatusRefunded}, nil
	}
	return f.refund(req)
}

func (f *fakeAdapter) ParseWebhook(payload []byte) (*gateway.WebhookNotification, error) {
	var body struct {
		ExternalReference string `json:"external_reference"`
		Reference         string `json:"reference"`
		Status            string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	status, err := model.ParseTransactionStatus(body.Status)
	if err != nil {
		return nil, err
	}
	return &gateway.WebhookNotification{ExternalReference: body.ExternalReference, Reference: body.Reference, Status: status}, nil
}

func (f *fakeAdapter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// recordingDocuments counts receipt requests.
type recordingDocuments struct {
	mu       sync.Mutex
	receipts []string
	err      error
}

func (d *recordingDocuments) GenerateReceipt(_ context.Context, txn *model.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts = append(d.receipts, txn.TransactionID)
	return d.err
}

func (d *recordingDocuments) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.receipts)
}

type harness struct {
	engine  *Paylane
	store   *inmemory.Store
	adapter *fakeAdapter
	docs    *recordingDocuments
	redis   *miniredis.Miniredis

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func testConfig(redisAddr string) *config.Configuration {
	return &config.Configuration{
		Redis:   config.RedisConfig{Dns: redisAddr},
		Queue:   config.QueueConfig{NotificationQueue: "paylane_notifications", MaxRetry: 5},
		Pollers: config.PollerConfig{BatchSize: 50, Workers: 4, StatusMinAge: 60},
		Retry: config.RetryConfig{
			Multiplier:         2,
			MaxIntervalSeconds: 3600,
			DefaultMaxAttempts: 3,
			DefaultDelay:       30,
			ExpirySeconds:      86400,
		},
		Lock: config.LockConfig{TTLSeconds: 30, WaitSeconds: 2},
	}
}

func testGatewayConfig() *model.GatewayConfig {
	return &model.GatewayConfig{
		Provider:            testProvider,
		Type:                model.GatewayMobileMoney,
		MinAmount:           decimal.NewFromInt(1),
		MaxAmount:           decimal.NewFromInt(100000),
		Fee:                 model.FeeSchedule{Fixed: decimal.NewFromInt(1), Percentage: decimal.NewFromInt(1)},
		TimeoutSeconds:      5,
		MaxRetryAttempts:    3,
		RetryDelaySeconds:   30,
		WebhookSecret:       "whsec_test",
		SupportedCurrencies: []string{"KES", "USD"},
		Active:              true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	config.MockConfig(testConfig(mr.Addr()))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := inmemory.NewStore()
	require.NoError(t, store.UpsertGatewayConfig(context.Background(), testGatewayConfig()))

	h := &harness{
		store:   store,
		adapter: newFakeAdapter(testProvider),
		docs:    &recordingDocuments{},
		redis:   mr,
		now:     time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	h.engine = &Paylane{
		datasource: store,
		gateways:   gateway.NewRegistry(h.adapter),
		redis:      client,
		documents:  h.docs,
		now:        h.clock,
		lockTTL:    30 * time.Second,
		lockWait:   2 * time.Second,
	}
	return h
}

func paymentRequest(amount int64) PaymentRequest {
	return PaymentRequest{
		Reference: gofakeit.UUID(),
		Provider:  testProvider,
		Purpose:   model.PurposeTaxPayment,
		Amount:    decimal.NewFromInt(amount),
		Currency:  "USD",
		Payer: model.Payer{
			Name:  gofakeit.Name(),
			Phone: fmt.Sprintf("+2547%08d", gofakeit.Number(0, 99999999)),
			Email: gofakeit.Email(),
		},
		ClientID: gofakeit.UUID(),
		FilingID: gofakeit.UUID(),
	}
}

// runRetriesUntilIdle advances the clock past each scheduled retry and runs the retry poller.
func (h *harness) runRetriesUntilIdle(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		h.advance(2 * time.Hour)
		if h.engine.ProcessDueRetries(context.Background()) == 0 {
			return
		}
	}
	t.Fatal("retries did not settle")
}

func (h *harness) logs(t *testing.T, id string) []*model.TransactionLogEntry {
	t.Helper()
	logs, err := h.store.GetTransactionLogs(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func (h *harness) attempts(t *testing.T, id string) []*model.RetryAttempt {
	t.Helper()
	attempts, err := h.store.GetAttempts(context.Background(), id)
	require.NoError(t, err)
	return attempts
}

func (h *harness) deadLetters(t *testing.T) []*model.DeadLetterEntry {
	t.Helper()
	entries, err := h.store.ListDeadLetters(context.Background(), "", 100, 0)
	require.NoError(t, err)
	return entries
}

// requireValidWalk checks that consecutive log entries only follow allowed transitions.
func requireValidWalk(t *testing.T, logs []*model.TransactionLogEntry) {
	t.Helper()
	require.NotEmpty(t, logs)
	require.Equal(t, model.StatusInitiated, logs[0].NewStatus)
	for i := 1; i < len(logs); i++ {
		require.Equal(t, logs[i-1].NewStatus, logs[i].PreviousStatus, "entry %d does not continue the previous one", i)
		require.True(t, logs[i].PreviousStatus.CanTransitionTo(logs[i].NewStatus),
			"illegal transition %s -> %s", logs[i].PreviousStatus, logs[i].NewStatus)
	}
}
