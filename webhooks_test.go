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
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuomoria/postbox/config"
	"github.com/nuomoria/postbox/model"
)

const hookURL = "https://hooks.example.com/postbox"

func TestProcessWebhook(t *testing.T) {
	cnf := testConfig()
	cnf.Notification.Webhook = config.WebhookConfig{Url: hookURL, Headers: map[string]string{"X-Signature": "abc"}}

	httpmock.ActivateNonDefault(webhookClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, hookURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "abc", req.Header.Get("X-Signature"))
		var body struct {
			Event string        `json:"event"`
			Data  DeliveryEvent `json:"data"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, EventEmailFailed, body.Event)
		assert.Equal(t, "msg_9", body.Data.MessageID)
		assert.Equal(t, 5, body.Data.Attempts)
		return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
	})

	payload, err := json.Marshal(NewWebhook{Event: EventEmailFailed, Payload: DeliveryEvent{MessageID: "msg_9", Attempts: 5, Status: model.StatusFailed}})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask(TaskWebhook, payload))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestProcessWebhook_EndpointErrorIsRetried(t *testing.T) {
	cnf := testConfig()
	cnf.Notification.Webhook = config.WebhookConfig{Url: hookURL}

	httpmock.ActivateNonDefault(webhookClient)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, hookURL, httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	payload, _ := json.Marshal(NewWebhook{Event: EventEmailSent})
	err := ProcessWebhook(context.Background(), asynq.NewTask(TaskWebhook, payload))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessWebhook_NotConfigured(t *testing.T) {
	testConfig()
	assert.NoError(t, ProcessWebhook(context.Background(), asynq.NewTask(TaskWebhook, []byte("{"))))
}

func TestProcessWebhook_BadPayload(t *testing.T) {
	cnf := testConfig()
	cnf.Notification.Webhook = config.WebhookConfig{Url: hookURL}
	err := ProcessWebhook(context.Background(), asynq.NewTask(TaskWebhook, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPostbox_DeliveryEventsAreQueued(t *testing.T) {
	q, mr, cnf := newTestQueue(t)
	cnf.Notification.Webhook = config.WebhookConfig{Url: hookURL}

	store := newMemoryStore(fakeMessage("msg_a", 0))
	p := &Postbox{queue: q, config: cnf}
	d := newTestDispatcher(store, newFakeSender(), WithEventHook(p.emitDeliveryEvent))

	result, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	assert.Eventually(t, func() bool {
		for _, key := range mr.Keys() {
			if strings.Contains(key, config.DEFAULT_WEBHOOK_QUEUE) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestNewDeliveryEvent(t *testing.T) {
	sentAt := time.Now()
	msg := fakeMessage("msg_1", 2)
	msg.Status = model.StatusSent
	msg.SentAt = &sentAt

	event := newDeliveryEvent(msg)
	assert.Equal(t, "msg_1", event.MessageID)
	assert.Equal(t, msg.To, event.To)
	assert.Equal(t, 2, event.Attempts)
	assert.Equal(t, &sentAt, event.SentAt)

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), msg.Body)
}
