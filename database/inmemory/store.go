// Package inmemory is a process-local IDataSource used by tests and single-node development runs.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paylane/paylane/database"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

var _ database.IDataSource = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	transactions map[string]*model.Transaction
	references   map[string]string
	externalRefs map[string]string
	logs         map[string][]*model.TransactionLogEntry
	attempts     map[string][]*model.RetryAttempt
	retries      map[string]*model.ScheduledRetry
	deadLetters  map[string]*model.DeadLetterEntry
	events       map[string]*model.WebhookEvent
	gateways     map[string]*model.GatewayConfig
	rules        map[string]*model.FraudRule

	seq int64
}

func NewStore() *Store {
	return &Store{
		transactions: make(map[string]*model.Transaction),
		references:   make(map[string]string),
		externalRefs: make(map[string]string),
		logs:         make(map[string][]*model.TransactionLogEntry),
		attempts:     make(map[string][]*model.RetryAttempt),
		retries:      make(map[string]*model.ScheduledRetry),
		deadLetters:  make(map[string]*model.DeadLetterEntry),
		events:       make(map[string]*model.WebhookEvent),
		gateways:     make(map[string]*model.GatewayConfig),
		rules:        make(map[string]*model.FraudRule),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func externalKey(provider, ref string) string {
	return strings.ToLower(provider) + "|" + ref
}

func (s *Store) CreateTransaction(_ context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[txn.TransactionID]; exists {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' already exists", txn.TransactionID), nil)
	}
	if _, exists := s.references[txn.Reference]; exists {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with reference '%s' already exists", txn.Reference), nil)
	}
	if ref := txn.ExternalRef(); ref != "" {
		if _, exists := s.externalRefs[externalKey(txn.Provider, ref)]; exists {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("External reference '%s' already exists", ref), nil)
		}
		s.externalRefs[externalKey(txn.Provider, ref)] = txn.TransactionID
	}
	if txn.Version == 0 {
		txn.Version = 1
	}
	txn.ID = s.nextID()
	s.transactions[txn.TransactionID] = txn.Clone()
	s.references[txn.Reference] = txn.TransactionID
	s.appendLog(entry)
	return nil
}

func (s *Store) appendLog(entry *model.TransactionLogEntry) {
	if entry == nil {
		return
	}
	if entry.LogID == "" {
		entry.LogID = model.GenerateUUIDWithSuffix("log")
	}
	entry.ID = s.nextID()
	e := *entry
	s.logs[entry.TransactionID] = append(s.logs[entry.TransactionID], &e)
}

func (s *Store) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), nil)
	}
	return txn.Clone(), nil
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	s.mu.RLock()
	id, ok := s.references[reference]
	s.mu.RUnlock()
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with reference '%s' not found", reference), nil)
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) GetTransactionByExternalRef(ctx context.Context, provider, externalRef string) (*model.Transaction, error) {
	s.mu.RLock()
	id, ok := s.externalRefs[externalKey(provider, externalRef)]
	s.mu.RUnlock()
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with external reference '%s' not found", externalRef), nil)
	}
	return s.GetTransaction(ctx, id)
}

// update applies the version check and must be called with the write lock held.
func (s *Store) update(txn *model.Transaction) error {
	stored, ok := s.transactions[txn.TransactionID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", txn.TransactionID), nil)
	}
	if stored.Version != txn.Version {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Transaction '%s' was modified concurrently (version %d)", txn.TransactionID, txn.Version), nil)
	}
	if ref := txn.ExternalRef(); ref != "" && ref != stored.ExternalRef() {
		key := externalKey(txn.Provider, ref)
		if owner, exists := s.externalRefs[key]; exists && owner != txn.TransactionID {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("External reference '%s' already exists", ref), nil)
		}
		s.externalRefs[key] = txn.TransactionID
	}
	txn.Version++
	next := txn.Clone()
	next.ID = stored.ID
	s.transactions[txn.TransactionID] = next
	return nil
}

func (s *Store) UpdateTransaction(_ context.Context, txn *model.Transaction, entry *model.TransactionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.update(txn); err != nil {
		return err
	}
	s.appendLog(entry)
	return nil
}

func (s *Store) DeadLetterTransaction(_ context.Context, txn *model.Transaction, entry *model.TransactionLogEntry, dl *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.update(txn); err != nil {
		return nil, err
	}
	s.appendLog(entry)

	if active := s.activeDeadLetter(txn.TransactionID); active != nil {
		active.FailureReason = dl.FailureReason
		active.FailureType = dl.FailureType
		active.AttemptCount = dl.AttemptCount
		active.UpdatedAt = dl.CreatedAt
		out := *active
		return &out, nil
	}

	if dl.EntryID == "" {
		dl.EntryID = model.GenerateUUIDWithSuffix("dlq")
	}
	stored := *dl
	stored.ID = s.nextID()
	stored.ReviewStatus = model.ReviewPending
	stored.Rearmed = false
	stored.UpdatedAt = dl.CreatedAt
	s.deadLetters[stored.EntryID] = &stored
	out := stored
	return &out, nil
}

func (s *Store) filterTransactions(keep func(*model.Transaction) bool, less func(a, b *model.Transaction) bool) []*model.Transaction {
	var out []*model.Transaction
	for _, txn := range s.transactions {
		if keep(txn) {
			out = append(out, txn.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) ListTransactions(_ context.Context, limit, offset int) ([]*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.filterTransactions(
		func(*model.Transaction) bool { return true },
		func(a, b *model.Transaction) bool { return a.ID > b.ID },
	)
	return page(all, limit, offset), nil
}

func (s *Store) ListTransactionsByStatus(_ context.Context, statuses []model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[model.TransactionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	out := s.filterTransactions(
		func(t *model.Transaction) bool { return wanted[t.Status] && !t.UpdatedAt.After(updatedBefore) },
		func(a, b *model.Transaction) bool { return a.UpdatedAt.Before(b.UpdatedAt) },
	)
	return page(out, limit, 0), nil
}

func (s *Store) ListReconciliationCandidates(_ context.Context, provider string, limit int) ([]*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filterTransactions(
		func(t *model.Transaction) bool {
			if t.Reconciled || !strings.EqualFold(t.Provider, provider) {
				return false
			}
			switch t.Status {
			case model.StatusCompleted, model.StatusPartialRefund, model.StatusRefunded, model.StatusSettled:
				return true
			}
			return false
		},
		func(a, b *model.Transaction) bool { return a.ID > b.ID },
	)
	return page(out, limit, 0), nil
}

func (s *Store) GetTransactionLogs(_ context.Context, transactionID string) ([]*model.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.TransactionLogEntry, 0, len(s.logs[transactionID]))
	for _, e := range s.logs[transactionID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) SumPayerTransactions(_ context.Context, payerKey, provider string, since time.Time) (int, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count, total := 0, decimal.Zero
	for _, t := range s.transactions {
		if database.PayerKey(t.Payer) != payerKey || t.InitiatedAt.Before(since) {
			continue
		}
		if provider != "" && !strings.EqualFold(t.Provider, provider) {
			continue
		}
		switch t.Status {
		case model.StatusInitiated, model.StatusPending, model.StatusProcessing, model.StatusCompleted,
			model.StatusSettled, model.StatusPartialRefund, model.StatusDisputed:
			count++
			total = total.Add(t.Amount)
		}
	}
	return count, total, nil
}

func (s *Store) RecordAttempt(_ context.Context, attempt *model.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.AttemptID == "" {
		attempt.AttemptID = model.GenerateUUIDWithSuffix("att")
	}
	attempt.ID = s.nextID()
	a := *attempt
	s.attempts[attempt.TransactionID] = append(s.attempts[attempt.TransactionID], &a)
	return nil
}

func (s *Store) GetAttempts(_ context.Context, transactionID string) ([]*model.RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.RetryAttempt, 0, len(s.attempts[transactionID]))
	for _, a := range s.attempts[transactionID] {
		c := *a
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *Store) CreateScheduledRetry(_ context.Context, r *model.ScheduledRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.retries {
		if existing.TransactionID == r.TransactionID && !existing.Processed {
			return database.ErrScheduledRetryExists
		}
	}
	if r.RetryID == "" {
		r.RetryID = model.GenerateUUIDWithSuffix("rty")
	}
	r.ID = s.nextID()
	c := *r
	s.retries[r.RetryID] = &c
	return nil
}

func (s *Store) GetPendingRetry(_ context.Context, transactionID string) (*model.ScheduledRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.retries {
		if r.TransactionID == transactionID && !r.Processed {
			c := *r
			return &c, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No pending retry for transaction '%s'", transactionID), nil)
}

func (s *Store) GetDueRetries(_ context.Context, now time.Time, limit int) ([]*model.ScheduledRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ScheduledRetry
	for _, r := range s.retries {
		if !r.Processed && !r.ScheduledAt.After(now) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return page(out, limit, 0), nil
}

func (s *Store) MarkRetryProcessed(_ context.Context, retryID string, outcome model.AttemptOutcome, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[retryID]
	if !ok || r.Processed {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Retry '%s' already processed", retryID), nil)
	}
	at := processedAt
	r.Processed = true
	r.ProcessedAt = &at
	r.Outcome = outcome
	return nil
}

// Retries returns every scheduled retry for a transaction, processed or not.
func (s *Store) Retries(transactionID string) []*model.ScheduledRetry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ScheduledRetry
	for _, r := range s.retries {
		if r.TransactionID == transactionID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) activeDeadLetter(transactionID string) *model.DeadLetterEntry {
	for _, e := range s.deadLetters {
		if e.TransactionID == transactionID && e.ReviewStatus.IsActive() {
			return e
		}
	}
	return nil
}

func (s *Store) GetDeadLetter(_ context.Context, entryID string) (*model.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.deadLetters[entryID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Dead letter entry '%s' not found", entryID), nil)
	}
	c := *e
	return &c, nil
}

func (s *Store) GetActiveDeadLetter(_ context.Context, transactionID string) (*model.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.activeDeadLetter(transactionID)
	if e == nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No active dead letter for transaction '%s'", transactionID), nil)
	}
	c := *e
	return &c, nil
}

func (s *Store) ListDeadLetters(_ context.Context, status model.ReviewStatus, limit, offset int) ([]*model.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.DeadLetterEntry
	for _, e := range s.deadLetters {
		if status == "" || e.ReviewStatus == status {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (s *Store) UpdateDeadLetterReview(_ context.Context, entry *model.DeadLetterEntry, from model.ReviewStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.deadLetters[entry.EntryID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Dead letter entry '%s' not found", entry.EntryID), nil)
	}
	if stored.ReviewStatus != from {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Dead letter entry '%s' is no longer %s", entry.EntryID, from), nil)
	}
	stored.ReviewStatus = entry.ReviewStatus
	stored.Reviewer = entry.Reviewer
	stored.ResolutionNotes = entry.ResolutionNotes
	stored.Rearmed = entry.Rearmed
	stored.UpdatedAt = entry.UpdatedAt
	stored.ResolvedAt = entry.ResolvedAt
	return nil
}

func (s *Store) RecordWebhookEvent(_ context.Context, event *model.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.EventID == "" {
		event.EventID = model.GenerateUUIDWithSuffix("whk")
	}
	event.ID = s.nextID()
	c := *event
	s.events[event.EventID] = &c
	return nil
}

func (s *Store) UpdateWebhookEvent(_ context.Context, event *model.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[event.EventID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Webhook event '%s' not found", event.EventID), nil)
	}
	c := *event
	c.ID = stored.ID
	s.events[event.EventID] = &c
	return nil
}

func (s *Store) GetWebhookEvent(_ context.Context, eventID string) (*model.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[eventID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Webhook event '%s' not found", eventID), nil)
	}
	c := *e
	return &c, nil
}

func (s *Store) WebhookEventApplied(_ context.Context, provider, externalRef string, status model.TransactionStatus) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.events {
		if e.Outcome == model.WebhookApplied && strings.EqualFold(e.Provider, provider) &&
			e.ExternalReference == externalRef && e.ReportedStatus == status {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpsertGatewayConfig(_ context.Context, cfg *model.GatewayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.gateways[cfg.Provider]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	c := *cfg
	c.SupportedCurrencies = append([]string(nil), cfg.SupportedCurrencies...)
	s.gateways[cfg.Provider] = &c
	return nil
}

func (s *Store) GetGatewayConfig(_ context.Context, provider string) (*model.GatewayConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gateways[provider]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Gateway config for '%s' not found", provider), nil)
	}
	c := *g
	return &c, nil
}

func (s *Store) ListGatewayConfigs(_ context.Context) ([]*model.GatewayConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.GatewayConfig, 0, len(s.gateways))
	for _, g := range s.gateways {
		c := *g
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *Store) CreateFraudRule(_ context.Context, rule *model.FraudRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.RuleID == "" {
		rule.RuleID = model.GenerateUUIDWithSuffix("rule")
	}
	if _, exists := s.rules[rule.RuleID]; exists {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Fraud rule '%s' already exists", rule.RuleID), nil)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.ID = s.nextID()
	c := *rule
	s.rules[rule.RuleID] = &c
	return nil
}

func (s *Store) ListFraudRules(_ context.Context, activeOnly bool) ([]*model.FraudRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.FraudRule
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RecordRuleTrigger(_ context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Fraud rule '%s' not found", ruleID), nil)
	}
	t := at
	r.TriggerCount++
	r.LastTriggeredAt = &t
	return nil
}
