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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/internal/request"
	"github.com/sirupsen/logrus"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func buildSlackMessage(title string, fields map[string]string, order []string) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title, Emoji: true}},
	}}
	for _, k := range order {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type:   "section",
			Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", k, fields[k])}},
		})
	}
	msg.Blocks = append(msg.Blocks, slackBlock{
		Type:   "section",
		Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", time.Now().Format(time.RFC822))}},
	})
	return msg
}

// SlackNotification posts msg to the configured Slack webhook.
func SlackNotification(ctx context.Context, webhookURL string, msg slackMessage) error {
	payload, err := request.ToJsonReq(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	_, err = request.Call(client, req, nil)
	return err
}

func slackURL() string {
	conf, err := config.Fetch()
	if err != nil {
		return ""
	}
	return conf.Notification.Slack.WebhookUrl
}

// NotifyError logs systemError and forwards it to Slack when configured. It never blocks.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		url := slackURL()
		if url == "" {
			return
		}
		msg := buildSlackMessage("Error From Paylane 🐞", map[string]string{"Error": systemError.Error()}, []string{"Error"})
		if err := SlackNotification(context.Background(), url, msg); err != nil {
			logrus.Errorf("slack notification failed: %v", err)
		}
	}(systemError)
}

// DeadLetterAlert carries what an operator needs to pick up a parked payment.
type DeadLetterAlert struct {
	TransactionID string
	Provider      string
	FailureType   string
	Reason        string
	Attempts      int
}

// AlertDeadLetter tells operators a payment needs manual review. It never blocks.
func AlertDeadLetter(alert DeadLetterAlert) {
	go func(alert DeadLetterAlert) {
		logrus.WithFields(logrus.Fields{
			"transaction_id": alert.TransactionID,
			"provider":       alert.Provider,
			"failure_type":   alert.FailureType,
			"attempts":       alert.Attempts,
		}).Warn("payment moved to dead letter: ", alert.Reason)

		url := slackURL()
		if url == "" {
			return
		}
		fields := map[string]string{
			"Transaction":  alert.TransactionID,
			"Provider":     alert.Provider,
			"Failure type": alert.FailureType,
			"Reason":       alert.Reason,
			"Attempts":     fmt.Sprintf("%d", alert.Attempts),
		}
		order := []string{"Transaction", "Provider", "Failure type", "Reason", "Attempts"}
		if err := SlackNotification(context.Background(), url, buildSlackMessage("Payment needs review 📮", fields, order)); err != nil {
			logrus.Errorf("slack dead letter alert failed: %v", err)
		}
	}(alert)
}
