package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GatewayType identifies the family of payment gateway a provider belongs to.
type GatewayType string

const (
	GatewayMobileMoney  GatewayType = "MOBILE_MONEY"
	GatewayBankTransfer GatewayType = "BANK_TRANSFER"
	GatewayCard         GatewayType = "CARD"
)

// Purpose is what a payment settles.
type Purpose string

const (
	PurposeTaxPayment Purpose = "TAX_PAYMENT"
	PurposePenalty    Purpose = "PENALTY"
	PurposeFee        Purpose = "FEE"
	PurposeRefund     Purpose = "REFUND"
	PurposeOther      Purpose = "OTHER"
)

// RiskLevel is the fraud risk attached to a transaction or a rule.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels so that the highest can be picked.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Payer identifies who is paying. Phone is used by mobile money, Account and BankCode by
// bank transfer, CardToken by card processors.
type Payer struct {
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Account   string `json:"account,omitempty"`
	BankCode  string `json:"bank_code,omitempty"`
	CardToken string `json:"card_token,omitempty"`
}

// Transaction is the ledger record of a single payment. Client and filing records are
// referenced by ID only.
type Transaction struct {
	ID                    int64                  `json:"-"`
	TransactionID         string                 `json:"transaction_id"`
	Reference             string                 `json:"reference"`
	ExternalReference     *string                `json:"external_reference"`
	Gateway               GatewayType            `json:"gateway"`
	Provider              string                 `json:"provider"`
	Purpose               Purpose                `json:"purpose"`
	Amount                decimal.Decimal        `json:"amount"`
	Fee                   decimal.Decimal        `json:"fee"`
	NetAmount             decimal.Decimal        `json:"net_amount"`
	Currency              string                 `json:"currency"`
	Payer                 Payer                  `json:"payer"`
	ClientID              string                 `json:"client_id,omitempty"`
	FilingID              string                 `json:"filing_id,omitempty"`
	Description           string                 `json:"description,omitempty"`
	Status                TransactionStatus      `json:"status"`
	RiskLevel             RiskLevel              `json:"risk_level"`
	RequiresManualReview  bool                   `json:"requires_manual_review"`
	FraudRuleID           string                 `json:"fraud_rule_id,omitempty"`
	RetryCount            int                    `json:"retry_count"`
	MaxAttempts           int                    `json:"max_attempts"`
	LastError             string                 `json:"last_error,omitempty"`
	FailureReason         string                 `json:"failure_reason,omitempty"`
	Reconciled            bool                   `json:"reconciled"`
	ReconciliationFlagged bool                   `json:"reconciliation_flagged"`
	StatementReference    string                 `json:"statement_reference,omitempty"`
	StatementDate         *time.Time             `json:"statement_date,omitempty"`
	InitiatedAt           time.Time              `json:"initiated_at"`
	ProcessedAt           *time.Time             `json:"processed_at,omitempty"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	FailedAt              *time.Time             `json:"failed_at,omitempty"`
	ExpiresAt             *time.Time             `json:"expires_at,omitempty"`
	ApprovedAt            *time.Time             `json:"approved_at,omitempty"`
	ReconciledAt          *time.Time             `json:"reconciled_at,omitempty"`
	UpdatedAt             time.Time              `json:"updated_at"`
	Version               int64                  `json:"version"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
}

// GenerateUUIDWithSuffix generates a UUID prefixed with the module name, e.g. txn_<uuid>.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// ExternalRef returns the provider reference or an empty string when none is assigned yet.
func (t *Transaction) ExternalRef() string {
	if t.ExternalReference == nil {
		return ""
	}
	return *t.ExternalReference
}

// IsExpired reports whether an in-flight transaction has passed its expiry time.
func (t *Transaction) IsExpired(now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	if t.Status != StatusInitiated && t.Status != StatusPending {
		return false
	}
	return !now.Before(*t.ExpiresAt)
}

// Clone returns a copy that can be mutated without touching the original.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.ExternalReference != nil {
		ref := *t.ExternalReference
		c.ExternalReference = &ref
	}
	if t.MetaData != nil {
		c.MetaData = make(map[string]interface{}, len(t.MetaData))
		for k, v := range t.MetaData {
			c.MetaData[k] = v
		}
	}
	return &c
}

func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// TransactionLogEntry is one append-only audit row per accepted state transition.
type TransactionLogEntry struct {
	ID              int64             `json:"-"`
	LogID           string            `json:"log_id"`
	TransactionID   string            `json:"transaction_id"`
	PreviousStatus  TransactionStatus `json:"previous_status"`
	NewStatus       TransactionStatus `json:"new_status"`
	Detail          string            `json:"detail,omitempty"`
	RequestPayload  json.RawMessage   `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RetryAttempt records one execution attempt against a gateway, including the first one.
type RetryAttempt struct {
	ID            int64          `json:"-"`
	AttemptID     string         `json:"attempt_id"`
	TransactionID string         `json:"transaction_id"`
	AttemptNumber int            `json:"attempt_number"`
	AttemptedAt   time.Time      `json:"attempted_at"`
	Outcome       AttemptOutcome `json:"outcome"`
	LatencyMs     int64          `json:"latency_ms"`
	FailureType   FailureType    `json:"failure_type,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// ScheduledRetry is a pending future attempt. At most one unprocessed row may exist per
// transaction.
type ScheduledRetry struct {
	ID            int64          `json:"-"`
	RetryID       string         `json:"retry_id"`
	TransactionID string         `json:"transaction_id"`
	AttemptNumber int            `json:"attempt_number"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	Reason        string         `json:"reason"`
	Processed     bool           `json:"processed"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	Outcome       AttemptOutcome `json:"outcome,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DeadLetterEntry parks a transaction that will not be retried automatically.
type DeadLetterEntry struct {
	ID                   int64        `json:"-"`
	EntryID              string       `json:"entry_id"`
	TransactionID        string       `json:"transaction_id"`
	FailureReason        string       `json:"failure_reason"`
	FailureType          FailureType  `json:"failure_type"`
	AttemptCount         int          `json:"attempt_count"`
	RequiresManualReview bool         `json:"requires_manual_review"`
	ReviewStatus         ReviewStatus `json:"review_status"`
	Reviewer             string       `json:"reviewer,omitempty"`
	ResolutionNotes      string       `json:"resolution_notes,omitempty"`
	Rearmed              bool         `json:"rearmed"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	ResolvedAt           *time.Time   `json:"resolved_at,omitempty"`
}

// FailureRecord classifies one failure and drives both backoff and dead-letter decisions.
type FailureRecord struct {
	Type                       FailureType `json:"type"`
	Code                       string      `json:"code"`
	Message                    string      `json:"message"`
	Recoverable                bool        `json:"recoverable"`
	RequiresManualIntervention bool        `json:"requires_manual_intervention"`
}

func (f *FailureRecord) Error() string {
	if f.Code == "" {
		return fmt.Sprintf("%s failure: %s", f.Type, f.Message)
	}
	return fmt.Sprintf("%s failure [%s]: %s", f.Type, f.Code, f.Message)
}

// NewFailure builds a FailureRecord whose recoverability follows the failure type.
func NewFailure(failureType FailureType, code, message string) *FailureRecord {
	return &FailureRecord{
		Type:                       failureType,
		Code:                       code,
		Message:                    message,
		Recoverable:                failureType.DefaultRecoverable(),
		RequiresManualIntervention: failureType == FailureBusiness,
	}
}

// WebhookEvent is an inbound provider callback, stored verbatim before any processing.
type WebhookEvent struct {
	ID                int64             `json:"-"`
	EventID           string            `json:"event_id"`
	Provider          string            `json:"provider"`
	Payload           json.RawMessage   `json:"payload"`
	Signature         string            `json:"signature"`
	SignatureValid    bool              `json:"signature_valid"`
	ExternalReference string            `json:"external_reference,omitempty"`
	ReportedStatus    TransactionStatus `json:"reported_status,omitempty"`
	Outcome           WebhookOutcome    `json:"outcome"`
	TransactionID     string            `json:"transaction_id,omitempty"`
	Error             string            `json:"error,omitempty"`
	ReceivedAt        time.Time         `json:"received_at"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
}
