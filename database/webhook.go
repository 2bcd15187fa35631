package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/model"
)

func (d Datasource) RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	ctx, span := tracer.Start(ctx, "Recording webhook event")
	defer span.End()

	if event.EventID == "" {
		event.EventID = model.GenerateUUIDWithSuffix("whk")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO paylane.webhook_events (event_id, provider, payload, signature, signature_valid, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.EventID, event.Provider, []byte(event.Payload), event.Signature, event.SignatureValid, event.Outcome, event.ReceivedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record webhook event", err)
	}
	return nil
}

func (d Datasource) UpdateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE paylane.webhook_events SET signature_valid = $2, external_reference = $3, reported_status = $4,
			outcome = $5, transaction_id = $6, error = $7, processed_at = $8
		WHERE event_id = $1`,
		event.EventID, event.SignatureValid, event.ExternalReference, event.ReportedStatus, event.Outcome,
		event.TransactionID, event.Error, event.ProcessedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update webhook event", err)
	}
	return nil
}

func (d Datasource) GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	e := &model.WebhookEvent{}
	var payload []byte
	var signature, extRef, status, txnID, errMsg sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT event_id, provider, payload, signature, signature_valid, external_reference, reported_status, outcome,
			transaction_id, error, received_at, processed_at
		FROM paylane.webhook_events WHERE event_id = $1`, eventID).Scan(
		&e.EventID, &e.Provider, &payload, &signature, &e.SignatureValid, &extRef, &status, &e.Outcome,
		&txnID, &errMsg, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Webhook event '%s' not found", eventID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve webhook event", err)
	}
	e.Payload = payload
	e.Signature = signature.String
	e.ExternalReference = extRef.String
	e.ReportedStatus = model.TransactionStatus(status.String)
	e.TransactionID = txnID.String
	e.Error = errMsg.String
	return e, nil
}

func (d Datasource) WebhookEventApplied(ctx context.Context, provider, externalRef string, status model.TransactionStatus) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM paylane.webhook_events
			WHERE provider = $1 AND external_reference = $2 AND reported_status = $3 AND outcome = $4
		)`, provider, externalRef, status, model.WebhookApplied).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check webhook idempotency", err)
	}
	return exists, nil
}
