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
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuomoria/postbox/config"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *config.Configuration) {
	t.Helper()
	mr := miniredis.RunT(t)
	cnf := testConfig()
	cnf.Redis.Dns = mr.Addr()

	q, err := NewQueue(cnf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr, cnf
}

func TestNewDispatchTask(t *testing.T) {
	task, err := NewDispatchTask("postbox_dispatch", 25)
	require.NoError(t, err)
	assert.Equal(t, TaskDispatchBatch, task.Type())

	var payload DispatchPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, 25, payload.BatchSize)
}

func TestQueue_EnqueueDispatch(t *testing.T) {
	q, mr, _ := newTestQueue(t)

	info, err := q.EnqueueDispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, config.DEFAULT_DISPATCH_QUEUE, info.Queue)
	assert.Equal(t, TaskDispatchBatch, info.Type)
	assert.JSONEq(t, `{"batch_size":10}`, string(info.Payload))

	found := false
	for _, key := range mr.Keys() {
		if strings.Contains(key, config.DEFAULT_DISPATCH_QUEUE) {
			found = true
		}
	}
	assert.True(t, found, "expected dispatch queue keys in redis, got %v", mr.Keys())
}

func TestQueue_EnqueueWebhook(t *testing.T) {
	q, mr, _ := newTestQueue(t)

	err := q.EnqueueWebhook(context.Background(), NewWebhook{Event: EventEmailSent, Payload: DeliveryEvent{MessageID: "msg_1"}})
	require.NoError(t, err)

	found := false
	for _, key := range mr.Keys() {
		if strings.Contains(key, config.DEFAULT_WEBHOOK_QUEUE) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewQueue_InvalidRedis(t *testing.T) {
	cnf := testConfig()
	cnf.Redis.Dns = "http://localhost:6379"
	_, err := NewQueue(cnf)
	assert.Error(t, err)
}

func TestNewScheduler(t *testing.T) {
	mr := miniredis.RunT(t)
	cnf := testConfig()
	cnf.Redis.Dns = mr.Addr()
	cnf.Outbox.Schedule = "@every 30s"
	cnf.Outbox.PollIntervalSeconds = 30

	scheduler, err := NewScheduler(cnf)
	require.NoError(t, err)
	assert.NotNil(t, scheduler)

	cnf.Outbox.Schedule = "every now and then"
	_, err = NewScheduler(cnf)
	assert.Error(t, err)
}
