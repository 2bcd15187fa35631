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
	"fmt"

	"github.com/paylane/paylane/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// ListDeadLetters pages through entries. An empty status lists every entry.
func (l *Paylane) ListDeadLetters(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]*model.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.datasource.ListDeadLetters(ctx, status, limit, offset)
}

func (l *Paylane) GetDeadLetter(ctx context.Context, entryID string) (*model.DeadLetterEntry, error) {
	return l.datasource.GetDeadLetter(ctx, entryID)
}

// StartReview assigns an entry to a reviewer: Pending -> InReview.
func (l *Paylane) StartReview(ctx context.Context, entryID, reviewer string) (*model.DeadLetterEntry, error) {
	return l.withEntryLock(ctx, entryID, func(ctx context.Context, entry *model.DeadLetterEntry) error {
		return l.moveReview(ctx, entry, model.ReviewInReview, func(e *model.DeadLetterEntry) {
			e.Reviewer = reviewer
		})
	})
}

// ResolveDeadLetter closes a review: InReview -> Resolved. With rearm the transaction goes back
// to Failed with a fresh attempt budget and attempt 1 is scheduled immediately.
func (l *Paylane) ResolveDeadLetter(ctx context.Context, entryID, reviewer, notes string, rearm bool) (*model.DeadLetterEntry, error) {
	return l.withEntryLock(ctx, entryID, func(ctx context.Context, entry *model.DeadLetterEntry) error {
		if !entry.ReviewStatus.CanTransitionTo(model.ReviewResolved) {
			return reviewError(entry.ReviewStatus, model.ReviewResolved)
		}
		if rearm {
			if err := l.rearm(ctx, entry, notes); err != nil {
				return err
			}
		}
		return l.moveReview(ctx, entry, model.ReviewResolved, func(e *model.DeadLetterEntry) {
			if reviewer != "" {
				e.Reviewer = reviewer
			}
			e.ResolutionNotes = notes
			e.Rearmed = rearm
			e.ResolvedAt = ptr.Time(l.now())
		})
	})
}

// DiscardDeadLetter closes a review without any further processing: InReview -> Discarded.
func (l *Paylane) DiscardDeadLetter(ctx context.Context, entryID, reviewer, notes string) (*model.DeadLetterEntry, error) {
	return l.withEntryLock(ctx, entryID, func(ctx context.Context, entry *model.DeadLetterEntry) error {
		return l.moveReview(ctx, entry, model.ReviewDiscarded, func(e *model.DeadLetterEntry) {
			if reviewer != "" {
				e.Reviewer = reviewer
			}
			e.ResolutionNotes = notes
			e.ResolvedAt = ptr.Time(l.now())
		})
	})
}

// withEntryLock runs fn on a copy of the entry read while its transaction lock is held, so
// review checks never act on a row another reviewer has since moved.
func (l *Paylane) withEntryLock(ctx context.Context, entryID string, fn func(ctx context.Context, entry *model.DeadLetterEntry) error) (*model.DeadLetterEntry, error) {
	entry, err := l.datasource.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, err
	}
	err = l.withTransactionLock(ctx, entry.TransactionID, func(ctx context.Context) error {
		entry, err = l.datasource.GetDeadLetter(ctx, entryID)
		if err != nil {
			return err
		}
		return fn(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func reviewError(from, to model.ReviewStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidReviewTransition, from, to)
}

func (l *Paylane) moveReview(ctx context.Context, entry *model.DeadLetterEntry, to model.ReviewStatus, apply func(e *model.DeadLetterEntry)) error {
	from := entry.ReviewStatus
	if !from.CanTransitionTo(to) {
		return reviewError(from, to)
	}
	next := *entry
	next.ReviewStatus = to
	next.UpdatedAt = l.now()
	apply(&next)
	if err := l.datasource.UpdateDeadLetterReview(ctx, &next, from); err != nil {
		return err
	}
	*entry = next
	logrus.WithFields(logrus.Fields{
		"entry_id":       entry.EntryID,
		"transaction_id": entry.TransactionID,
		"review_status":  to,
	}).Info("dead letter review updated")
	return nil
}

func (l *Paylane) rearm(ctx context.Context, entry *model.DeadLetterEntry, notes string) error {
	txn, err := l.datasource.GetTransaction(ctx, entry.TransactionID)
	if err != nil {
		return err
	}
	err = l.transition(ctx, txn, model.StatusFailed, change{
		detail: "re-armed from dead letter: " + notes,
		rearm:  true,
		apply: func(t *model.Transaction) {
			t.RetryCount = 0
			t.LastError = ""
		},
	})
	if err != nil {
		return err
	}
	return l.createRetry(ctx, txn, 1, l.now(), "re-armed by operator")
}
