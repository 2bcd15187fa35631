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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/internal/request"
	"github.com/paylane/paylane/model"
)

// NewWebhook represents the structure of an outbound webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

const (
	EventFraudNotify    = "fraud.notify"
	EventReviewRequired = "transaction.review_required"
)

// taskID keeps one notification per transaction version, so a redelivered status change
// does not notify twice.
func (w NewWebhook) taskID() string {
	txn, ok := w.Payload.(*model.Transaction)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d", w.Event, txn.TransactionID, txn.Version)
}

// processHTTP sends a webhook notification via HTTP POST request.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request or processing fails.
func processHTTP(ctx context.Context, data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	_, err = request.Call(client, req, nil)
	return err
}

// SendWebhook enqueues an outbound notification. Nothing is enqueued when no webhook URL
// is configured.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - newWebhook NewWebhook: The webhook notification data to enqueue.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (l *Paylane) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" || l.queue == nil {
		return nil
	}

	err = l.queue.EnqueueNotification(ctx, newWebhook, newWebhook.taskID())
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails; asynq retries the task.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log.Printf("Processing webhook: %+v\n", payload.Event)
	return processHTTP(ctx, payload)
}
