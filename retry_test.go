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
	"sync"
	"testing"
	"time"

	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Delay: 30 * time.Second, Multiplier: 2, MaxInterval: 5 * time.Minute}

	tests := []struct {
		failedAttempt int
		want          time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.failedAttempt), "attempt %d", tt.failedAttempt)
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), p.NextRetryAt(now, 2))
}

func TestRetryPolicyFromGatewayConfig(t *testing.T) {
	newHarness(t)

	cfg := testGatewayConfig()
	cfg.RetryDelaySeconds = 10
	p := retryPolicy(cfg)
	assert.Equal(t, 10*time.Second, p.Delay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, time.Hour, p.MaxInterval)

	cfg.MaxRetryAttempts = 0
	assert.Equal(t, 3, maxAttempts(cfg))
}

func TestScheduleRetry_UsesBackoff(t *testing.T) {
	h := newHarness(t)
	h.adapter.submit = networkDown
	start := h.clock()

	txn, err := h.engine.SubmitPayment(context.Background(), paymentRequest(100), false)
	require.NoError(t, err)

	retries := h.store.Retries(txn.TransactionID)
	require.Len(t, retries, 1)
	assert.Equal(t, 2, retries[0].AttemptNumber)
	assert.Equal(t, start.Add(30*time.Second), retries[0].ScheduledAt)
	assert.False(t, retries[0].Processed)
}

func TestProcessDueRetries_NotDueYet(t *testing.T) {
	h := newHarness(t)
	h.adapter.submit = networkDown

	_, err := h.engine.SubmitPayment(context.Background(), paymentRequest(100), false)
	require.NoError(t, err)

	h.advance(10 * time.Second)
	assert.Zero(t, h.engine.ProcessDueRetries(context.Background()))
	assert.Equal(t, 1, h.adapter.submitCount())
}

func TestProcessScheduledRetry_SkipsWhenNoLongerFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.submit = networkDown

	txn, err := h.engine.SubmitPayment(ctx, paymentRequest(100), false)
	require.NoError(t, err)

	// an operator dead-letters the payment by hand before the retry fires
	stored, err := h.store.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	_, err = h.engine.deadLetter(ctx, stored, model.FailureBusiness, "manual stop", 1)
	require.NoError(t, err)

	h.advance(time.Hour)
	assert.Equal(t, 1, h.engine.ProcessDueRetries(ctx))
	assert.Equal(t, 1, h.adapter.submitCount())

	retries := h.store.Retries(txn.TransactionID)
	require.Len(t, retries, 1)
	assert.True(t, retries[0].Processed)
	assert.Equal(t, model.AttemptSkipped, retries[0].Outcome)
}

func TestProcessScheduledRetry_StaleRetryIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.engine.ProcessScheduledRetry(ctx, &model.ScheduledRetry{RetryID: "rty_gone", TransactionID: "txn_gone"})
	assert.NoError(t, err)
}

func TestProcessScheduledRetry_ConcurrentWorkersSubmitOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.submit = func(call int, req gateway.SubmitRequest) (*gateway.SubmitResult, error) {
		if call == 1 {
			return networkDown(call, req)
		}
		time.Sleep(20 * time.Millisecond)
		return &gateway.SubmitResult{ExternalReference: "EXT-" + req.TransactionID, Status: model.StatusCompleted}, nil
	}

	txn, err := h.engine.SubmitPayment(ctx, paymentRequest(100), false)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, txn.Status)
	retries := h.store.Retries(txn.TransactionID)
	require.Len(t, retries, 1)
	h.advance(time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.engine.ProcessScheduledRetry(ctx, retries[0])
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 2, h.adapter.submitCount())
	assert.Len(t, h.attempts(t, txn.TransactionID), 2)

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)

	logs := h.logs(t, txn.TransactionID)
	requireValidWalk(t, logs)
	processing := 0
	for _, entry := range logs {
		if entry.NewStatus == model.StatusProcessing {
			processing++
		}
	}
	assert.Equal(t, 2, processing)
}
