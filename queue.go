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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nuomoria/postbox/config"
	redis_db "github.com/nuomoria/postbox/internal/redis-db"
)

// Task types handled by the worker server.
const (
	TaskDispatchBatch = "outbox:dispatch"
	TaskWebhook       = "outbox:webhook"
)

// Queue enqueues dispatch runs and outgoing webhooks on asynq.
type Queue struct {
	Client        *asynq.Client
	Inspector     *asynq.Inspector
	dispatchQueue string
	webhookQueue  string
}

// DispatchPayload is the body of an outbox:dispatch task. Zero means the configured batch size.
type DispatchPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Queue{
		Client:        asynq.NewClient(opt),
		Inspector:     asynq.NewInspector(opt),
		dispatchQueue: conf.Queue.DispatchQueue,
		webhookQueue:  conf.Queue.WebhookQueue,
	}, nil
}

// NewDispatchTask builds an outbox:dispatch task for queue.
func NewDispatchTask(queue string, batchSize int) (*asynq.Task, error) {
	payload, err := json.Marshal(DispatchPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatchBatch, payload,
		asynq.Queue(queue),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
	), nil
}

// EnqueueDispatch asks a worker to run one dispatch batch.
func (q *Queue) EnqueueDispatch(ctx context.Context, batchSize int) (*asynq.TaskInfo, error) {
	task, err := NewDispatchTask(q.dispatchQueue, batchSize)
	if err != nil {
		return nil, err
	}
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "batch_size": batchSize}).Info("dispatch run enqueued")
	return info, nil
}

// EnqueueWebhook queues an outgoing delivery event.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskWebhook, payload, asynq.Queue(q.webhookQueue), asynq.MaxRetry(5))
	_, err = q.Client.EnqueueContext(ctx, task)
	return err
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue inspector")
	}
	return q.Client.Close()
}

// NewScheduler registers the periodic dispatch trigger on outbox.schedule.
func NewScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		LogLevel: asynq.WarnLevel,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logrus.WithError(err).Error("failed to enqueue scheduled dispatch")
			}
		},
	})

	task, err := NewDispatchTask(conf.Queue.DispatchQueue, conf.Outbox.BatchSize)
	if err != nil {
		return nil, err
	}
	// a run still waiting in the queue makes the next tick redundant
	entryID, err := scheduler.Register(conf.Outbox.Schedule, task, asynq.Unique(conf.Outbox.PollInterval()))
	if err != nil {
		return nil, fmt.Errorf("register dispatch schedule %q: %w", conf.Outbox.Schedule, err)
	}
	logrus.WithFields(logrus.Fields{"entry_id": entryID, "schedule": conf.Outbox.Schedule}).Info("dispatch schedule registered")
	return scheduler, nil
}
