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
	"time"

	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/model"
	"github.com/sirupsen/logrus"
)

// Poller runs one unit of background work on a fixed interval until stopped. Pollers share
// nothing but the ledger store.
type Poller struct {
	name     string
	interval time.Duration
	work     func(ctx context.Context) int
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewPoller(name string, interval time.Duration, work func(ctx context.Context) int) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		name:     name,
		interval: interval,
		work:     work,
		stopCh:   make(chan struct{}),
	}
}

func (p *Poller) Name() string {
	return p.name
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Infof("%s poller started", p.name)
}

// Stop stops issuing new work and waits for in-flight units to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Infof("%s poller stopped", p.name)
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// RunOnce processes a single batch and reports how many units it handled.
func (p *Poller) RunOnce(ctx context.Context) int {
	return p.work(ctx)
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Infof("%s poller context cancelled", p.name)
			return
		case <-p.stopCh:
			logrus.Infof("%s poller stop signal received", p.name)
			return
		case <-ticker.C:
			p.work(ctx)
		}
	}
}

// pollerSettings are the batch limits shared by the three pollers.
type pollerSettings struct {
	batchSize    int
	workers      int
	statusMinAge time.Duration
}

func loadPollerSettings() pollerSettings {
	s := pollerSettings{batchSize: 50, workers: 5, statusMinAge: time.Minute}
	if conf, err := config.Fetch(); err == nil {
		if conf.Pollers.BatchSize > 0 {
			s.batchSize = conf.Pollers.BatchSize
		}
		if conf.Pollers.Workers > 0 {
			s.workers = conf.Pollers.Workers
		}
		if conf.Pollers.StatusMinAge > 0 {
			s.statusMinAge = time.Duration(conf.Pollers.StatusMinAge) * time.Second
		}
	}
	return s
}

// runBounded hands items to at most workers goroutines. No new unit starts once ctx is done;
// units already started run to completion on a context that ignores the cancellation.
func runBounded[T any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, item T) error, describe func(T) string) int {
	sem := make(chan struct{}, workers)
	var batchWg sync.WaitGroup
	started := 0

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			batchWg.Wait()
			return started
		case sem <- struct{}{}:
		}
		started++
		batchWg.Add(1)
		go func(item T) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := fn(context.WithoutCancel(ctx), item); err != nil {
				logrus.Errorf("failed to process %s: %v", describe(item), err)
			}
		}(item)
	}

	batchWg.Wait()
	return started
}

// Pollers builds the submission, status and retry pollers from configuration.
func (l *Paylane) Pollers() []*Poller {
	conf, err := config.Fetch()
	submission, status, retry := 5*time.Second, 30*time.Second, 10*time.Second
	if err == nil {
		submission = time.Duration(conf.Pollers.SubmissionInterval) * time.Second
		status = time.Duration(conf.Pollers.StatusInterval) * time.Second
		retry = time.Duration(conf.Pollers.RetryInterval) * time.Second
	}
	return []*Poller{
		NewPoller("submission", submission, l.ProcessSubmissions),
		NewPoller("status", status, l.ProcessStatusChecks),
		NewPoller("retry", retry, l.ProcessDueRetries),
	}
}

func describeTransaction(txn *model.Transaction) string {
	return "transaction " + txn.TransactionID
}

// ProcessSubmissions submits payments that were accepted asynchronously and are still Initiated.
func (l *Paylane) ProcessSubmissions(ctx context.Context) int {
	s := loadPollerSettings()
	txns, err := l.datasource.ListTransactionsByStatus(ctx, []model.TransactionStatus{model.StatusInitiated}, l.now(), s.batchSize)
	if err != nil {
		logrus.Errorf("failed to load initiated transactions: %v", err)
		return 0
	}
	return runBounded(ctx, txns, s.workers, l.submitInitiated, describeTransaction)
}

func (l *Paylane) submitInitiated(ctx context.Context, queued *model.Transaction) error {
	return l.withTransactionLock(ctx, queued.TransactionID, func(ctx context.Context) error {
		txn, err := l.datasource.GetTransaction(ctx, queued.TransactionID)
		if err != nil {
			return err
		}
		if txn.Status != model.StatusInitiated {
			return nil
		}
		if txn.IsExpired(l.now()) {
			return l.transition(ctx, txn, model.StatusExpired, change{detail: "expired before submission"})
		}
		return l.submit(ctx, txn, 1)
	})
}

// ProcessStatusChecks expires overdue payments and asks providers about Pending ones that have
// not moved for a while.
func (l *Paylane) ProcessStatusChecks(ctx context.Context) int {
	s := loadPollerSettings()
	statuses := []model.TransactionStatus{model.StatusInitiated, model.StatusPending, model.StatusProcessing}
	txns, err := l.datasource.ListTransactionsByStatus(ctx, statuses, l.now().Add(-s.statusMinAge), s.batchSize)
	if err != nil {
		logrus.Errorf("failed to load in-flight transactions: %v", err)
		return 0
	}
	return runBounded(ctx, txns, s.workers, l.RefreshStatus, describeTransaction)
}

// RefreshStatus brings one in-flight transaction up to date: expiry first, then the provider's
// view of a Pending payment. A Processing payment without a provider reference is one whose
// submission never returned; it is failed as a network error so the retry path resubmits it
// under the same idempotency key.
func (l *Paylane) RefreshStatus(ctx context.Context, stale *model.Transaction) error {
	return l.withTransactionLock(ctx, stale.TransactionID, func(ctx context.Context) error {
		txn, err := l.datasource.GetTransaction(ctx, stale.TransactionID)
		if err != nil {
			return err
		}
		if !txn.Status.IsTransient() {
			return nil
		}
		if txn.IsExpired(l.now()) {
			return l.transition(ctx, txn, model.StatusExpired, change{detail: "expired"})
		}

		switch txn.Status {
		case model.StatusPending:
			if txn.ExternalReference == nil {
				return nil
			}
			return l.queryProvider(ctx, txn)
		case model.StatusProcessing:
			if txn.ExternalReference != nil {
				return l.queryProvider(ctx, txn)
			}
			if txn.UpdatedAt.After(l.now().Add(-l.staleAfter(ctx, txn.Provider))) {
				return nil
			}
			attempt := txn.RetryCount + 1
			failure := model.NewFailure(model.FailureNetwork, "STALE_PROCESSING", "submission outcome unknown")
			if err := l.markFailed(ctx, txn, failure, nil); err != nil {
				return err
			}
			return l.handleFailure(ctx, txn, attempt, failure)
		case model.StatusInitiated, model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
			model.StatusExpired, model.StatusRefunded, model.StatusPartialRefund, model.StatusDisputed,
			model.StatusChargeback, model.StatusSettled, model.StatusDeadLetter:
		}
		return nil
	})
}

// staleAfter is how long a Processing payment without a provider reference may sit before its
// submission is presumed lost. It never undercuts the provider's own call timeout.
func (l *Paylane) staleAfter(ctx context.Context, provider string) time.Duration {
	age := loadPollerSettings().statusMinAge
	cfg, err := l.GetGatewayConfig(ctx, provider)
	if err != nil {
		logrus.WithField("provider", provider).Errorf("failed to load gateway config: %v", err)
		return age
	}
	if timeout := cfg.Timeout() + l.lockTTL; timeout > age {
		return timeout
	}
	return age
}

func (l *Paylane) queryProvider(ctx context.Context, txn *model.Transaction) error {
	adapter, err := l.gateways.Get(txn.Provider)
	if err != nil {
		return err
	}
	cfg, err := l.GetGatewayConfig(ctx, txn.Provider)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	res, err := adapter.QueryStatus(callCtx, txn.ExternalRef())
	cancel()
	if err != nil {
		return err
	}
	if res.Status == txn.Status || res.Status == model.StatusProcessing {
		return nil
	}

	if res.Status == model.StatusFailed {
		failure := res.Failure
		if failure == nil {
			failure = model.NewFailure(model.FailureGateway, "PROVIDER_FAILED", "provider reported the payment as failed")
		}
		if err := l.markFailed(ctx, txn, failure, res.Raw); err != nil {
			return err
		}
		return l.handleFailure(ctx, txn, txn.RetryCount+1, failure)
	}

	if !txn.Status.CanTransitionTo(res.Status) {
		logrus.WithFields(logrus.Fields{
			"transaction_id": txn.TransactionID,
			"current":        txn.Status,
			"reported":       res.Status,
		}).Warn("provider status cannot be applied")
		return nil
	}
	return l.transition(ctx, txn, res.Status, change{
		detail:   "provider status " + string(res.Status),
		response: res.Raw,
	})
}

// ProcessDueRetries executes retries whose time has come, one per transaction.
func (l *Paylane) ProcessDueRetries(ctx context.Context) int {
	s := loadPollerSettings()
	due, err := l.datasource.GetDueRetries(ctx, l.now(), s.batchSize)
	if err != nil {
		logrus.Errorf("failed to load due retries: %v", err)
		return 0
	}

	seen := make(map[string]bool, len(due))
	unique := due[:0]
	for _, r := range due {
		if seen[r.TransactionID] {
			continue
		}
		seen[r.TransactionID] = true
		unique = append(unique, r)
	}
	return runBounded(ctx, unique, s.workers, l.ProcessScheduledRetry, func(r *model.ScheduledRetry) string {
		return "retry " + r.RetryID
	})
}
