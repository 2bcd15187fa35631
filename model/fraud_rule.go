package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FraudAction is what happens to a transaction when a rule matches.
type FraudAction string

const (
	FraudBlock  FraudAction = "BLOCK"
	FraudReview FraudAction = "REVIEW"
	FraudFlag   FraudAction = "FLAG"
	FraudNotify FraudAction = "NOTIFY"
)

func (a FraudAction) Valid() bool {
	switch a {
	case FraudBlock, FraudReview, FraudFlag, FraudNotify:
		return true
	}
	return false
}

type FraudRule struct {
	ID              int64       `json:"-"`
	RuleID          string      `json:"rule_id"`
	Name            string      `json:"name"`
	Condition       string      `json:"condition"`
	Action          FraudAction `json:"action"`
	RiskLevel       RiskLevel   `json:"risk_level"`
	Priority        int         `json:"priority"`
	Active          bool        `json:"active"`
	TriggerCount    int64       `json:"trigger_count"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// RuleFacts are the values a rule condition may reference.
type RuleFacts struct {
	Amount          decimal.Decimal
	Currency        string
	Gateway         string
	Provider        string
	Purpose         string
	PayerPhone      string
	PayerAccount    string
	Hour            int
	PayerDailyCount int
	PayerDailyTotal decimal.Decimal
}

// Clause is a single "field op value" comparison.
type Clause struct {
	Field    string
	Operator string
	Values   []string
}

// Condition is a conjunction of clauses.
type Condition []Clause

var numericFields = map[string]bool{
	"amount":            true,
	"hour":              true,
	"payer_daily_count": true,
	"payer_daily_total": true,
}

var stringFields = map[string]bool{
	"currency":      true,
	"gateway":       true,
	"provider":      true,
	"purpose":       true,
	"payer_phone":   true,
	"payer_account": true,
}

var operators = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true, "in": true,
}

// ParseCondition parses expressions such as `amount > 5000 && currency in [USD,EUR]`.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty condition")
	}

	var cond Condition
	for _, raw := range strings.Split(expr, "&&") {
		clause, err := parseClause(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		cond = append(cond, clause)
	}
	return cond, nil
}

func parseClause(raw string) (Clause, error) {
	parts := strings.Fields(raw)
	if len(parts) < 3 {
		return Clause{}, fmt.Errorf("malformed clause %q", raw)
	}
	field := strings.ToLower(parts[0])
	op := strings.ToLower(parts[1])
	rest := strings.TrimSpace(strings.Join(parts[2:], " "))

	if !numericFields[field] && !stringFields[field] {
		return Clause{}, fmt.Errorf("unknown field %q", field)
	}
	if !operators[op] {
		return Clause{}, fmt.Errorf("unknown operator %q", op)
	}

	var values []string
	if op == "in" {
		rest = strings.TrimPrefix(strings.TrimSuffix(rest, "]"), "[")
		rest = strings.TrimPrefix(strings.TrimSuffix(rest, ")"), "(")
		for _, v := range strings.Split(rest, ",") {
			v = unquote(strings.TrimSpace(v))
			if v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return Clause{}, fmt.Errorf("empty list in clause %q", raw)
		}
	} else {
		values = []string{unquote(rest)}
	}

	if numericFields[field] {
		for _, v := range values {
			if _, err := decimal.NewFromString(v); err != nil {
				return Clause{}, fmt.Errorf("field %s expects a number, got %q", field, v)
			}
		}
	} else if op != "==" && op != "!=" && op != "in" {
		return Clause{}, fmt.Errorf("operator %s not supported for field %s", op, field)
	}

	return Clause{Field: field, Operator: op, Values: values}, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// Matches reports whether every clause holds for the facts.
func (c Condition) Matches(facts RuleFacts) bool {
	for _, clause := range c {
		if !clause.matches(facts) {
			return false
		}
	}
	return true
}

func (c Clause) matches(facts RuleFacts) bool {
	if numericFields[c.Field] {
		value := facts.number(c.Field)
		if c.Operator == "in" {
			for _, v := range c.Values {
				if value.Equal(decimal.RequireFromString(v)) {
					return true
				}
			}
			return false
		}
		return compare(value, c.Operator, decimal.RequireFromString(c.Values[0]))
	}

	value := facts.text(c.Field)
	switch c.Operator {
	case "==":
		return strings.EqualFold(value, c.Values[0])
	case "!=":
		return !strings.EqualFold(value, c.Values[0])
	case "in":
		for _, v := range c.Values {
			if strings.EqualFold(value, v) {
				return true
			}
		}
	}
	return false
}

func (f RuleFacts) number(field string) decimal.Decimal {
	switch field {
	case "amount":
		return f.Amount
	case "hour":
		return decimal.NewFromInt(int64(f.Hour))
	case "payer_daily_count":
		return decimal.NewFromInt(int64(f.PayerDailyCount))
	case "payer_daily_total":
		return f.PayerDailyTotal
	}
	return decimal.Zero
}

func (f RuleFacts) text(field string) string {
	switch field {
	case "currency":
		return f.Currency
	case "gateway":
		return f.Gateway
	case "provider":
		return f.Provider
	case "purpose":
		return f.Purpose
	case "payer_phone":
		return f.PayerPhone
	case "payer_account":
		return f.PayerAccount
	}
	return ""
}

// compare compares two decimals based on the provided condition (e.g., >, <, ==).
func compare(value decimal.Decimal, condition string, compareTo decimal.Decimal) bool {
	cmp := value.Cmp(compareTo)
	switch condition {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case "!=":
		return cmp != 0
	case "==":
		return cmp == 0
	}
	return false
}
