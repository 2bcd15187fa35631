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
package model

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/paylane/paylane"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

const dateFormat = "2006-01-02T15:04:05Z07:00"

type CreatePayment struct {
	Reference   string                 `json:"reference"`
	Provider    string                 `json:"provider"`
	Purpose     string                 `json:"purpose"`
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency"`
	Payer       model.Payer            `json:"payer"`
	ClientID    string                 `json:"client_id"`
	FilingID    string                 `json:"filing_id"`
	Description string                 `json:"description"`
	MetaData    map[string]interface{} `json:"meta_data"`
}

type TransitionReason struct {
	Reason string `json:"reason"`
}

type RefundPayment struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type ResolveDispute struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

type ReconcilePayment struct {
	StatementReference string           `json:"statement_reference"`
	StatementDate      string           `json:"statement_date"`
	StatementAmount    *decimal.Decimal `json:"statement_amount"`
	Settle             bool             `json:"settle"`
}

type ReconcileStatement struct {
	Provider    string                  `json:"provider"`
	StatementID string                  `json:"statement_id"`
	Settle      bool                    `json:"settle"`
	Lines       []paylane.StatementLine `json:"lines"`
}

// ReviewAction is the body of every dead letter review call.
type ReviewAction struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
	Rearm    bool   `json:"rearm"`
}

type CreateFraudRule struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
	RiskLevel string `json:"risk_level"`
	Priority  int    `json:"priority"`
	Active    *bool  `json:"active"`
}

type UpdateGatewayConfig struct {
	Type                string            `json:"type"`
	MinAmount           decimal.Decimal   `json:"min_amount"`
	MaxAmount           decimal.Decimal   `json:"max_amount"`
	DailyLimit          decimal.Decimal   `json:"daily_limit"`
	MonthlyLimit        decimal.Decimal   `json:"monthly_limit"`
	Fee                 model.FeeSchedule `json:"fee"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	MaxRetryAttempts    int               `json:"max_retry_attempts"`
	RetryDelaySeconds   int               `json:"retry_delay_seconds"`
	WebhookSecret       string            `json:"webhook_secret"`
	SupportedCurrencies []string          `json:"supported_currencies"`
	Active              *bool             `json:"active"`
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid amount")
	}
	if !amount.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func notNegative(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid amount")
	}
	if amount.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func validateDateFormat(format, value string) error {
	_, err := time.Parse(format, value)
	if err != nil {
		return errors.New("please format the date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2025-03-14T10:00:00+00:00)")
	}
	return nil
}

func (p *CreatePayment) ValidateCreatePayment() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Reference, validation.Required, validation.Length(1, 64)),
		validation.Field(&p.Provider, validation.Required),
		validation.Field(&p.Amount, validation.By(positiveAmount)),
		validation.Field(&p.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&p.Purpose, validation.When(p.Purpose != "", validation.In(
			string(model.PurposeTaxPayment), string(model.PurposePenalty), string(model.PurposeFee),
			string(model.PurposeRefund), string(model.PurposeOther)))),
		validation.Field(&p.Payer, validation.By(func(value interface{}) error {
			payer, _ := value.(model.Payer)
			return validation.ValidateStruct(&payer,
				validation.Field(&payer.Name, validation.Required),
				validation.Field(&payer.Email, is.EmailFormat),
			)
		})),
	)
}

func (p *CreatePayment) ToPaymentRequest() paylane.PaymentRequest {
	return paylane.PaymentRequest{
		Reference:   strings.TrimSpace(p.Reference),
		Provider:    p.Provider,
		Purpose:     model.Purpose(p.Purpose),
		Amount:      p.Amount,
		Currency:    strings.ToUpper(p.Currency),
		Payer:       p.Payer,
		ClientID:    p.ClientID,
		FilingID:    p.FilingID,
		Description: p.Description,
		MetaData:    p.MetaData,
	}
}

func (r *TransitionReason) ValidateTransitionReason() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 500)),
	)
}

func (r *RefundPayment) ValidateRefundPayment() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Amount, validation.When(r.Amount != nil, validation.By(func(value interface{}) error {
			amount, ok := value.(*decimal.Decimal)
			if !ok || amount == nil {
				return errors.New("invalid amount")
			}
			return positiveAmount(*amount)
		}))),
		validation.Field(&r.Reason, validation.Length(0, 500)),
	)
}

func (r *ResolveDispute) ValidateResolveDispute() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Outcome, validation.Required, validation.In(
			string(model.StatusCompleted), string(model.StatusChargeback), string(model.StatusRefunded))),
	)
}

func (r *ReconcilePayment) ValidateReconcilePayment() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.StatementReference, validation.Required),
		validation.Field(&r.StatementDate, validation.When(r.StatementDate != "", validation.By(func(value interface{}) error {
			dateStr, ok := value.(string)
			if !ok {
				return errors.New("invalid type for statement date")
			}
			return validateDateFormat(dateFormat, dateStr)
		}))),
	)
}

func (r *ReconcilePayment) ToReconcileRequest() paylane.ReconcileRequest {
	req := paylane.ReconcileRequest{
		StatementReference: r.StatementReference,
		StatementAmount:    r.StatementAmount,
		Settle:             r.Settle,
	}
	if r.StatementDate != "" {
		if date, err := time.Parse(dateFormat, r.StatementDate); err == nil {
			req.StatementDate = &date
		}
	}
	return req
}

func (r *ReconcileStatement) ValidateReconcileStatement() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Provider, validation.Required),
		validation.Field(&r.StatementID, validation.Required),
		validation.Field(&r.Lines, validation.Required, validation.Each(validation.By(func(value interface{}) error {
			line, _ := value.(paylane.StatementLine)
			return validation.ValidateStruct(&line,
				validation.Field(&line.Reference, validation.Required),
				validation.Field(&line.Amount, validation.By(positiveAmount)),
				validation.Field(&line.Currency, validation.Required, validation.Length(3, 3)),
			)
		}))),
	)
}

func (r *ReviewAction) ValidateReviewAction() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Reviewer, validation.Required),
	)
}

func (r *CreateFraudRule) ValidateCreateFraudRule() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Condition, validation.Required),
		validation.Field(&r.Action, validation.Required),
	)
}

func (r *CreateFraudRule) ToFraudRule() *model.FraudRule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &model.FraudRule{
		Name:      r.Name,
		Condition: r.Condition,
		Action:    model.FraudAction(r.Action),
		RiskLevel: model.RiskLevel(r.RiskLevel),
		Priority:  r.Priority,
		Active:    active,
	}
}

func (g *UpdateGatewayConfig) ValidateUpdateGatewayConfig() error {
	return validation.ValidateStruct(g,
		validation.Field(&g.Type, validation.Required, validation.In(
			string(model.GatewayMobileMoney), string(model.GatewayBankTransfer), string(model.GatewayCard))),
		validation.Field(&g.MinAmount, validation.By(notNegative)),
		validation.Field(&g.MaxAmount, validation.By(notNegative), validation.By(func(value interface{}) error {
			if !g.MaxAmount.IsZero() && g.MaxAmount.LessThan(g.MinAmount) {
				return errors.New("must not be below min_amount")
			}
			return nil
		})),
		validation.Field(&g.DailyLimit, validation.By(notNegative)),
		validation.Field(&g.MonthlyLimit, validation.By(notNegative)),
		validation.Field(&g.TimeoutSeconds, validation.Min(0)),
		validation.Field(&g.MaxRetryAttempts, validation.Min(0), validation.Max(20)),
		validation.Field(&g.RetryDelaySeconds, validation.Min(0)),
		validation.Field(&g.SupportedCurrencies, validation.Each(validation.Length(3, 3))),
	)
}

func (g *UpdateGatewayConfig) ToGatewayConfig(provider string) *model.GatewayConfig {
	active := true
	if g.Active != nil {
		active = *g.Active
	}
	currencies := make([]string, 0, len(g.SupportedCurrencies))
	for _, c := range g.SupportedCurrencies {
		currencies = append(currencies, strings.ToUpper(c))
	}
	return &model.GatewayConfig{
		Provider:            strings.ToLower(provider),
		Type:                model.GatewayType(g.Type),
		MinAmount:           g.MinAmount,
		MaxAmount:           g.MaxAmount,
		DailyLimit:          g.DailyLimit,
		MonthlyLimit:        g.MonthlyLimit,
		Fee:                 g.Fee,
		TimeoutSeconds:      g.TimeoutSeconds,
		MaxRetryAttempts:    g.MaxRetryAttempts,
		RetryDelaySeconds:   g.RetryDelaySeconds,
		WebhookSecret:       g.WebhookSecret,
		SupportedCurrencies: currencies,
		Active:              active,
	}
}
