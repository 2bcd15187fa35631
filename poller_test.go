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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_StartStop(t *testing.T) {
	var runs int32
	p := NewPoller("test", 10*time.Millisecond, func(ctx context.Context) int {
		atomic.AddInt32(&runs, 1)
		return 0
	})

	p.Start(context.Background())
	assert.True(t, p.IsRunning())
	p.Start(context.Background())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.IsRunning())
	stopped := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&runs))

	p.Stop()
}

func TestPoller_DefaultInterval(t *testing.T) {
	p := NewPoller("idle", 0, func(context.Context) int { return 0 })
	assert.Equal(t, 10*time.Second, p.interval)
	assert.Equal(t, "idle", p.Name())
}

func TestRunBounded(t *testing.T) {
	var inFlight, peak, done int32
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}

	started := runBounded(context.Background(), items, 3, func(ctx context.Context, item int) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&done, 1)
		if item == 3 {
			return errors.New("boom")
		}
		return nil
	}, func(int) string { return "item" })

	assert.Equal(t, len(items), started)
	assert.EqualValues(t, len(items), atomic.LoadInt32(&done))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunBounded_CancelledContextStartsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := runBounded(ctx, []int{1, 2, 3}, 1, func(ctx context.Context, item int) error {
		return nil
	}, func(int) string { return "item" })
	assert.Zero(t, started)
}

func TestPollers_Names(t *testing.T) {
	h := newHarness(t)

	pollers := h.engine.Pollers()
	require.Len(t, pollers, 3)
	assert.Equal(t, "submission", pollers[0].Name())
	assert.Equal(t, "status", pollers[1].Name())
	assert.Equal(t, "retry", pollers[2].Name())
}

func TestProcessSubmissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	txn, err := h.engine.SubmitPayment(ctx, paymentRequest(100), true)
	require.NoError(t, err)

	h.advance(time.Second)
	assert.Equal(t, 1, h.engine.ProcessSubmissions(ctx))

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	assert.Zero(t, h.engine.ProcessSubmissions(ctx))
}

func TestProcessSubmissions_ExpiresOverduePayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	txn, err := h.engine.SubmitPayment(ctx, paymentRequest(100), true)
	require.NoError(t, err)

	h.advance(25 * time.Hour)
	assert.Equal(t, 1, h.engine.ProcessSubmissions(ctx))

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, stored.Status)
	assert.Zero(t, h.adapter.submitCount())
}

func TestProcessStatusChecks_CompletesPendingPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := pendingPayment(t, h)

	h.adapter.query = func(ref string) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{ExternalReference: ref, Status: model.StatusCompleted}, nil
	}

	assert.Zero(t, h.engine.ProcessStatusChecks(ctx), "recently updated payments are left alone")

	h.advance(2 * time.Minute)
	assert.Equal(t, 1, h.engine.ProcessStatusChecks(ctx))

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	requireValidWalk(t, h.logs(t, txn.TransactionID))
}

func TestProcessStatusChecks_ProviderFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := pendingPayment(t, h)

	h.adapter.query = func(ref string) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{ExternalReference: ref, Status: model.StatusFailed}, nil
	}

	h.advance(2 * time.Minute)
	assert.Equal(t, 1, h.engine.ProcessStatusChecks(ctx))

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)

	retries := h.store.Retries(txn.TransactionID)
	require.Len(t, retries, 1)
	assert.Equal(t, 2, retries[0].AttemptNumber)
}

func TestProcessStatusChecks_ExpiresPendingPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := pendingPayment(t, h)

	h.advance(25 * time.Hour)
	assert.Equal(t, 1, h.engine.ProcessStatusChecks(ctx))

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, stored.Status)
}

func TestRefreshStatus_StaleProcessingIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	txn, err := h.engine.SubmitPayment(ctx, paymentRequest(100), true)
	require.NoError(t, err)
	// a submission that crashed after the Processing write
	require.NoError(t, h.engine.Transition(ctx, txn, model.StatusProcessing, "submitting attempt 1"))

	h.advance(2 * time.Minute)
	require.NoError(t, h.engine.RefreshStatus(ctx, txn))

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.Len(t, h.store.Retries(txn.TransactionID), 1)

	h.runRetriesUntilIdle(t)
	completed, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, completed.Status)
}

func TestPoller_StopFinishesAttemptInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	h.adapter.submit = func(call int, req gateway.SubmitRequest) (*gateway.SubmitResult, error) {
		if call == 1 {
			return networkDown(call, req)
		}
		once.Do(func() { close(entered) })
		<-release
		return &gateway.SubmitResult{ExternalReference: "EXT-" + req.TransactionID, Status: model.StatusCompleted}, nil
	}

	txn, err := h.engine.SubmitPayment(ctx, paymentRequest(100), false)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, txn.Status)
	h.advance(time.Hour)

	p := NewPoller("retry", 5*time.Millisecond, h.engine.ProcessDueRetries)
	p.Start(ctx)
	<-entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("poller stopped while an attempt was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	attempts := h.attempts(t, txn.TransactionID)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.Equal(t, model.AttemptSucceeded, attempts[1].Outcome)

	retries := h.store.Retries(txn.TransactionID)
	require.Len(t, retries, 1)
	assert.True(t, retries[0].Processed)

	stored, err := h.engine.GetTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
}
