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
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// FraudDecision is the outcome of running the active rules against one payment.
type FraudDecision struct {
	Matched   []*model.FraudRule
	Block     *model.FraudRule
	Review    *model.FraudRule
	Notify    []*model.FraudRule
	RiskLevel model.RiskLevel
}

// Blocked reports whether a Block rule matched.
func (d *FraudDecision) Blocked() bool {
	return d.Block != nil
}

// EvaluateFraud runs the active rules in priority order. The first matching Block rule wins and
// the risk level is the highest level among all matches. Nothing is written; trigger statistics
// are recorded by recordTriggers once the payment exists.
func (l *Paylane) EvaluateFraud(ctx context.Context, facts model.RuleFacts) (*FraudDecision, error) {
	ctx, span := tracer.Start(ctx, "EvaluateFraud")
	defer span.End()

	rules, err := l.activeFraudRules(ctx)
	if err != nil {
		return nil, err
	}

	decision := &FraudDecision{RiskLevel: model.RiskLow}
	for _, rule := range rules {
		cond, err := model.ParseCondition(rule.Condition)
		if err != nil {
			logrus.WithField("rule_id", rule.RuleID).Errorf("skipping fraud rule with bad condition: %v", err)
			continue
		}
		if !cond.Matches(facts) {
			continue
		}

		decision.Matched = append(decision.Matched, rule)
		if rule.RiskLevel.Rank() > decision.RiskLevel.Rank() {
			decision.RiskLevel = rule.RiskLevel
		}
		switch rule.Action {
		case model.FraudBlock:
			if decision.Block == nil {
				decision.Block = rule
			}
		case model.FraudReview:
			if decision.Review == nil {
				decision.Review = rule
			}
		case model.FraudNotify:
			decision.Notify = append(decision.Notify, rule)
		case model.FraudFlag:
		}
	}
	return decision, nil
}

// recordTriggers updates the statistics of every rule that matched a stored payment.
func (l *Paylane) recordTriggers(ctx context.Context, decision *FraudDecision) {
	now := l.now()
	for _, rule := range decision.Matched {
		if err := l.datasource.RecordRuleTrigger(ctx, rule.RuleID, now); err != nil {
			logrus.WithField("rule_id", rule.RuleID).Errorf("failed to record rule trigger: %v", err)
		}
	}
}

// activeFraudRules returns the active rules ordered by priority, lowest number first.
func (l *Paylane) activeFraudRules(ctx context.Context) ([]*model.FraudRule, error) {
	var rules []*model.FraudRule
	if l.cache != nil {
		found, err := l.cache.Get(ctx, fraudRulesCacheKey, &rules)
		if err != nil {
			logrus.Errorf("fraud rule cache read: %v", err)
		} else if found {
			return rules, nil
		}
	}

	rules, err := l.datasource.ListFraudRules(ctx, true)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	if l.cache != nil {
		if err := l.cache.Set(ctx, fraudRulesCacheKey, rules, l.cacheTTL); err != nil {
			logrus.Errorf("fraud rule cache write: %v", err)
		}
	}
	return rules, nil
}

func validateFraudRule(rule *model.FraudRule) error {
	return validation.ValidateStruct(rule,
		validation.Field(&rule.Name, validation.Required),
		validation.Field(&rule.Condition, validation.Required, validation.By(func(value interface{}) error {
			_, err := model.ParseCondition(value.(string))
			return err
		})),
		validation.Field(&rule.Action, validation.Required, validation.In(
			model.FraudBlock, model.FraudReview, model.FraudFlag, model.FraudNotify)),
		validation.Field(&rule.RiskLevel, validation.In(
			model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical)),
		validation.Field(&rule.Priority, validation.Min(0)),
	)
}

// CreateFraudRule validates and stores a rule. New rules take effect once the cached rule set
// is refreshed, which this call forces.
func (l *Paylane) CreateFraudRule(ctx context.Context, rule *model.FraudRule) (*model.FraudRule, error) {
	rule.Action = model.FraudAction(strings.ToUpper(string(rule.Action)))
	rule.RiskLevel = model.RiskLevel(strings.ToUpper(string(rule.RiskLevel)))
	if rule.RiskLevel == "" {
		rule.RiskLevel = model.RiskLow
	}
	if err := validateFraudRule(rule); err != nil {
		return nil, validationError("%v", err)
	}

	rule.RuleID = model.GenerateUUIDWithSuffix("rule")
	rule.CreatedAt = l.now()
	if err := l.datasource.CreateFraudRule(ctx, rule); err != nil {
		return nil, err
	}
	l.invalidate(ctx, fraudRulesCacheKey)
	return rule, nil
}

func (l *Paylane) ListFraudRules(ctx context.Context, activeOnly bool) ([]*model.FraudRule, error) {
	return l.datasource.ListFraudRules(ctx, activeOnly)
}

// ruleFacts gathers what a rule condition can reference. dailyCount and dailyTotal cover the
// payer's live payments since the start of the day, excluding the one being evaluated.
func ruleFacts(txn *model.Transaction, at time.Time, dailyCount int, dailyTotal decimal.Decimal) model.RuleFacts {
	return model.RuleFacts{
		Amount:          txn.Amount,
		Currency:        txn.Currency,
		Gateway:         string(txn.Gateway),
		Provider:        txn.Provider,
		Purpose:         string(txn.Purpose),
		PayerPhone:      txn.Payer.Phone,
		PayerAccount:    txn.Payer.Account,
		Hour:            at.Hour(),
		PayerDailyCount: dailyCount,
		PayerDailyTotal: dailyTotal,
	}
}
