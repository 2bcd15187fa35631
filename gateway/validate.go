package gateway

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
)

func amountRule(cfg *model.GatewayConfig) validation.Rule {
	return validation.By(func(value interface{}) error {
		amount, _ := value.(decimal.Decimal)
		if !amount.IsPositive() {
			return errors.New("must be greater than zero")
		}
		if cfg != nil && !cfg.WithinAmountBounds(amount) {
			return fmt.Errorf("must be between %s and %s", cfg.MinAmount.String(), cfg.MaxAmount.String())
		}
		return nil
	})
}

func currencyRule(cfg *model.GatewayConfig) validation.Rule {
	return validation.By(func(value interface{}) error {
		currency, _ := value.(string)
		if cfg != nil && !cfg.SupportsCurrency(currency) {
			return fmt.Errorf("%s is not supported by %s", currency, cfg.Provider)
		}
		return nil
	})
}

// commonErrors validates the fields every gateway family checks.
func commonErrors(req SubmitRequest, cfg *model.GatewayConfig) validation.Errors {
	return validation.Errors{
		"amount":   validation.Validate(req.Amount, amountRule(cfg)),
		"currency": validation.Validate(req.Currency, validation.Required, validation.Length(3, 3), currencyRule(cfg)),
	}
}
