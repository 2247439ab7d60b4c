/*
Copyright 2024 Blnk Finance Authors.

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

package postbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nuomoria/postbox/config"
	"github.com/nuomoria/postbox/internal/request"
	"github.com/nuomoria/postbox/model"
)

var webhookClient = &http.Client{Timeout: 15 * time.Second}

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// DeliveryEvent is the webhook body for email.* events. The rendered body is omitted.
type DeliveryEvent struct {
	MessageID string                 `json:"message_id"`
	To        string                 `json:"to"`
	Subject   string                 `json:"subject"`
	Kind      string                 `json:"kind"`
	Status    string                 `json:"status"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error,omitempty"`
	SentAt    *time.Time             `json:"sent_at,omitempty"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}

func newDeliveryEvent(msg model.OutboxMessage) DeliveryEvent {
	return DeliveryEvent{
		MessageID: msg.ID,
		To:        msg.To,
		Subject:   msg.Subject,
		Kind:      msg.Kind,
		Status:    msg.Status,
		Attempts:  msg.Attempts,
		LastError: msg.LastError,
		SentAt:    msg.SentAt,
		MetaData:  msg.MetaData,
	}
}

// emitDeliveryEvent is the dispatcher's event hook. Failures are logged only,
// since the outbox row is already the source of truth.
func (p *Postbox) emitDeliveryEvent(ctx context.Context, event string, msg model.OutboxMessage) {
	if p.config.Notification.Webhook.Url == "" || p.queue == nil {
		return
	}
	hook := NewWebhook{Event: event, Payload: newDeliveryEvent(msg)}
	if err := p.queue.EnqueueWebhook(context.WithoutCancel(ctx), hook); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"message_id": msg.ID, "event": event}).Warn("failed to enqueue delivery webhook")
	}
}

// processHTTP posts a webhook to the configured endpoint with the configured headers.
func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook) error {
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

	_, err = request.Call(webhookClient, req, nil)
	return err
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook could not be delivered, so asynq retries it.
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
		return fmt.Errorf("decode webhook payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := processHTTP(ctx, conf, payload); err != nil {
		logrus.WithError(err).WithField("event", payload.Event).Warn("webhook delivery failed")
		return err
	}
	logrus.WithField("event", payload.Event).Debug("webhook delivered")
	return nil
}
