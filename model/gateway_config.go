package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule is a fixed fee plus a percentage of the amount.
type FeeSchedule struct {
	Fixed      decimal.Decimal `json:"fixed"`
	Percentage decimal.Decimal `json:"percentage"`
	Currency   string          `json:"currency"`
}

// GatewayConfig holds the per-provider limits, fees and retry policy.
type GatewayConfig struct {
	ID                  int64           `json:"-"`
	Provider            string          `json:"provider"`
	Type                GatewayType     `json:"type"`
	MinAmount           decimal.Decimal `json:"min_amount"`
	MaxAmount           decimal.Decimal `json:"max_amount"`
	DailyLimit          decimal.Decimal `json:"daily_limit"`
	MonthlyLimit        decimal.Decimal `json:"monthly_limit"`
	Fee                 FeeSchedule     `json:"fee"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	MaxRetryAttempts    int             `json:"max_retry_attempts"`
	RetryDelaySeconds   int             `json:"retry_delay_seconds"`
	WebhookSecret       string          `json:"webhook_secret,omitempty"`
	SupportedCurrencies []string        `json:"supported_currencies"`
	Active              bool            `json:"active"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ComputeFee returns fixed + amount*percentage/100 rounded to two decimal places.
func (g *GatewayConfig) ComputeFee(amount decimal.Decimal) decimal.Decimal {
	fee := g.Fee.Fixed.Add(amount.Mul(g.Fee.Percentage).Div(hundred))
	return fee.Round(2)
}

// SupportsCurrency reports whether the provider accepts the currency. An empty list
// accepts everything.
func (g *GatewayConfig) SupportsCurrency(currency string) bool {
	if len(g.SupportedCurrencies) == 0 {
		return true
	}
	for _, c := range g.SupportedCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// WithinAmountBounds checks min/max. A zero bound is treated as unset.
func (g *GatewayConfig) WithinAmountBounds(amount decimal.Decimal) bool {
	if !g.MinAmount.IsZero() && amount.LessThan(g.MinAmount) {
		return false
	}
	if !g.MaxAmount.IsZero() && amount.GreaterThan(g.MaxAmount) {
		return false
	}
	return true
}

func (g *GatewayConfig) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g *GatewayConfig) RetryDelay() time.Duration {
	if g.RetryDelaySeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.RetryDelaySeconds) * time.Second
}

// Masked returns a copy safe to expose over the API.
func (g *GatewayConfig) Masked() *GatewayConfig {
	c := *g
	if c.WebhookSecret != "" {
		c.WebhookSecret = "********"
	}
	return &c
}
