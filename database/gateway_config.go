package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
)

const gatewayConfigColumns = `provider, gateway_type, min_amount, max_amount, daily_limit, monthly_limit, fee_fixed,
	fee_percentage, fee_currency, timeout_seconds, max_retry_attempts, retry_delay_seconds, webhook_secret,
	supported_currencies, active, created_at, updated_at`

func scanGatewayConfig(row rowScanner) (*model.GatewayConfig, error) {
	g := &model.GatewayConfig{}
	var feeCurrency, secret sql.NullString
	var currencies []string
	if err := row.Scan(&g.Provider, &g.Type, &g.MinAmount, &g.MaxAmount, &g.DailyLimit, &g.MonthlyLimit,
		&g.Fee.Fixed, &g.Fee.Percentage, &feeCurrency, &g.TimeoutSeconds, &g.MaxRetryAttempts, &g.RetryDelaySeconds,
		&secret, pq.Array(&currencies), &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Fee.Currency = feeCurrency.String
	g.WebhookSecret = secret.String
	g.SupportedCurrencies = currencies
	return g, nil
}

func (d Datasource) UpsertGatewayConfig(ctx context.Context, cfg *model.GatewayConfig) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	cfg.UpdatedAt = time.Now()
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paylane.gateway_configs (provider, gateway_type, min_amount, max_amount, daily_limit, monthly_limit,
			fee_fixed, fee_percentage, fee_currency, timeout_seconds, max_retry_attempts, retry_delay_seconds,
			webhook_secret, supported_currencies, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (provider) DO UPDATE SET gateway_type = EXCLUDED.gateway_type, min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount, daily_limit = EXCLUDED.daily_limit, monthly_limit = EXCLUDED.monthly_limit,
			fee_fixed = EXCLUDED.fee_fixed, fee_percentage = EXCLUDED.fee_percentage, fee_currency = EXCLUDED.fee_currency,
			timeout_seconds = EXCLUDED.timeout_seconds, max_retry_attempts = EXCLUDED.max_retry_attempts,
			retry_delay_seconds = EXCLUDED.retry_delay_seconds, webhook_secret = EXCLUDED.webhook_secret,
			supported_currencies = EXCLUDED.supported_currencies, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		cfg.Provider, cfg.Type, cfg.MinAmount, cfg.MaxAmount, cfg.DailyLimit, cfg.MonthlyLimit, cfg.Fee.Fixed,
		cfg.Fee.Percentage, cfg.Fee.Currency, cfg.TimeoutSeconds, cfg.MaxRetryAttempts, cfg.RetryDelaySeconds,
		cfg.WebhookSecret, pq.Array(cfg.SupportedCurrencies), cfg.Active, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save gateway config", err)
	}
	return nil
}

func (d Datasource) GetGatewayConfig(ctx context.Context, provider string) (*model.GatewayConfig, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.gateway_configs WHERE provider = $1`, gatewayConfigColumns), provider)
	g, err := scanGatewayConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Gateway config for '%s' not found", provider), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve gateway config", err)
	}
	return g, nil
}

func (d Datasource) ListGatewayConfigs(ctx context.Context) ([]*model.GatewayConfig, error) {
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM paylane.gateway_configs ORDER BY provider`, gatewayConfigColumns))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list gateway configs", err)
	}
	defer rows.Close()

	var configs []*model.GatewayConfig
	for rows.Next() {
		g, err := scanGatewayConfig(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan gateway config", err)
		}
		configs = append(configs, g)
	}
	return configs, rows.Err()
}

func (d Datasource) CreateFraudRule(ctx context.Context, rule *model.FraudRule) error {
	if rule.RuleID == "" {
		rule.RuleID = model.GenerateUUIDWithSuffix("rule")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paylane.fraud_rules (rule_id, name, condition, action, risk_level, priority, active, trigger_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		rule.RuleID, rule.Name, rule.Condition, rule.Action, rule.RiskLevel, rule.Priority, rule.Active, rule.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Fraud rule '%s' already exists", rule.RuleID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create fraud rule", err)
	}
	return nil
}

func (d Datasource) ListFraudRules(ctx context.Context, activeOnly bool) ([]*model.FraudRule, error) {
	query := `SELECT rule_id, name, condition, action, risk_level, priority, active, trigger_count, last_triggered_at, created_at
		FROM paylane.fraud_rules`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY priority ASC, created_at ASC`

	rows, err := d.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list fraud rules", err)
	}
	defer rows.Close()

	var rules []*model.FraudRule
	for rows.Next() {
		r := &model.FraudRule{}
		if err := rows.Scan(&r.RuleID, &r.Name, &r.Condition, &r.Action, &r.RiskLevel, &r.Priority, &r.Active,
			&r.TriggerCount, &r.LastTriggeredAt, &r.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan fraud rule", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (d Datasource) RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE paylane.fraud_rules SET trigger_count = trigger_count + 1, last_triggered_at = $2 WHERE rule_id = $1`,
		ruleID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record rule trigger", err)
	}
	return nil
}
