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
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nuomoria/postbox/config"
	"github.com/nuomoria/postbox/database"
	"github.com/nuomoria/postbox/email"
	"github.com/nuomoria/postbox/internal/cache"
	"github.com/nuomoria/postbox/internal/notification"
	"github.com/nuomoria/postbox/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Postbox owns the outbox: producers enqueue through it and triggers dispatch through it.
type Postbox struct {
	datasource database.IDataSource
	dispatcher *Dispatcher
	queue      *Queue
	cache      cache.Cache
	config     *config.Configuration
}

// NewPostbox wires the datasource, email sender, queue and dispatcher from the loaded configuration.
//
// Parameters:
// - db database.IDataSource: The datasource for outbox operations.
//
// Returns:
// - *Postbox: A pointer to the newly created Postbox instance.
// - error: An error if configuration is missing or a collaborator cannot be built.
func NewPostbox(db database.IDataSource) (*Postbox, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	sender, err := email.NewSender(cnf.Email, cnf.Outbox.SendTimeout())
	if err != nil {
		return nil, err
	}

	queue, err := NewQueue(cnf)
	if err != nil {
		return nil, err
	}

	p := newPostbox(db, sender, queue, cnf)
	if c, err := cache.NewCache(cnf); err != nil {
		logrus.WithError(err).Warn("redis cache unavailable, reads go straight to the outbox store")
	} else {
		p.cache = c
	}
	return p, nil
}

func newPostbox(db database.IDataSource, sender email.Sender, queue *Queue, cnf *config.Configuration) *Postbox {
	p := &Postbox{datasource: db, queue: queue, config: cnf}
	p.dispatcher = NewDispatcherFromConfig(db, sender, cnf,
		WithNotifier(notification.NotifyError),
		WithEventHook(p.emitDeliveryEvent),
	)
	return p
}

// Dispatcher exposes the underlying dispatcher.
func (p *Postbox) Dispatcher() *Dispatcher {
	return p.dispatcher
}

func (p *Postbox) Queue() *Queue {
	return p.queue
}

// RunBatch runs one dispatch batch. A batch size of zero uses outbox.batch_size.
func (p *Postbox) RunBatch(ctx context.Context, batchSize int) (*model.BatchResult, error) {
	if batchSize == 0 {
		batchSize = p.config.Outbox.BatchSize
	}
	return p.dispatcher.RunBatch(ctx, batchSize)
}

// ProcessDispatchTask handles outbox:dispatch tasks. A run-level failure is returned so asynq retries it.
func (p *Postbox) ProcessDispatchTask(ctx context.Context, task *asynq.Task) error {
	var payload DispatchPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode dispatch payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	result, err := p.RunBatch(ctx, payload.BatchSize)
	if err != nil {
		if errors.Is(err, ErrInvalidBatchSize) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if w := task.ResultWriter(); w != nil {
		if body, mErr := json.Marshal(result); mErr == nil {
			if _, wErr := w.Write(body); wErr != nil {
				logrus.WithError(wErr).Debug("failed to write dispatch task result")
			}
		}
	}
	return nil
}
