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
	"database/sql"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"

	"github.com/nuomoria/postbox/internal/apierror"
	"github.com/nuomoria/postbox/model"
	"github.com/nuomoria/postbox/templates"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	statsCacheKey      = "postbox:stats"
	statsCacheTTL      = 5 * time.Second
	messageCachePrefix = "postbox:message:"
	messageCacheTTL    = 10 * time.Minute
)

func prepareMessage(msg *model.OutboxMessage) error {
	if msg == nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "message is required", nil)
	}
	msg.To = strings.TrimSpace(msg.To)
	if msg.To == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "recipient is required", nil)
	}
	if msg.Subject == "" || msg.Body == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "subject and body are required", nil)
	}
	return nil
}

// EnqueueMessage stores msg as pending. The dispatcher picks it up on its next run.
func (p *Postbox) EnqueueMessage(ctx context.Context, msg *model.OutboxMessage) (*model.OutboxMessage, error) {
	ctx, span := otel.Tracer("postbox.service").Start(ctx, "EnqueueMessage")
	defer span.End()

	if err := prepareMessage(msg); err != nil {
		return nil, err
	}
	if err := p.datasource.InsertOutboxMessage(ctx, msg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return msg, nil
}

// EnqueueMessageInTx stores msg inside tx so it commits or rolls back with the caller's own writes.
func (p *Postbox) EnqueueMessageInTx(ctx context.Context, tx *sql.Tx, msg *model.OutboxMessage) (*model.OutboxMessage, error) {
	if err := prepareMessage(msg); err != nil {
		return nil, err
	}
	if err := p.datasource.InsertOutboxMessageInTx(ctx, tx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// EnqueueTemplate renders kind with data and enqueues the result for to.
func (p *Postbox) EnqueueTemplate(ctx context.Context, kind, to string, data, metaData map[string]interface{}) (*model.OutboxMessage, error) {
	subject, body, err := templates.Render(kind, data)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	return p.EnqueueMessage(ctx, &model.OutboxMessage{
		To:       to,
		Subject:  subject,
		Body:     body,
		Kind:     kind,
		MetaData: metaData,
	})
}

// GetMessage loads a message by id. Sent and failed messages never change again, so they are served from cache.
func (p *Postbox) GetMessage(ctx context.Context, id string) (*model.OutboxMessage, error) {
	key := messageCachePrefix + id
	if p.cache != nil {
		var cached model.OutboxMessage
		if found, err := p.cache.Get(ctx, key, &cached); err != nil {
			logrus.WithError(err).WithField("message_id", id).Debug("message cache read failed")
		} else if found {
			return &cached, nil
		}
	}

	msg, err := p.datasource.GetOutboxMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.cache != nil && model.IsTerminalStatus(msg.Status) {
		if err := p.cache.Set(ctx, key, msg, messageCacheTTL); err != nil {
			logrus.WithError(err).WithField("message_id", id).Debug("message cache write failed")
		}
	}
	return msg, nil
}

// ListMessages pages through the outbox newest first, optionally filtered by status.
func (p *Postbox) ListMessages(ctx context.Context, status string, limit, offset int) ([]model.OutboxMessage, error) {
	if status != "" && !model.IsValidStatus(status) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "unknown status "+status, nil)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return p.datasource.ListOutboxMessages(ctx, status, limit, offset)
}

// Stats reports the number of messages in every status, including empty ones.
// Counts may lag the store by up to a few seconds when the cache is enabled.
func (p *Postbox) Stats(ctx context.Context) (map[string]int64, error) {
	if p.cache != nil {
		var cached map[string]int64
		if found, err := p.cache.Get(ctx, statsCacheKey, &cached); err == nil && found {
			return cached, nil
		}
	}

	counts, err := p.datasource.CountOutboxMessagesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := map[string]int64{
		model.StatusPending: 0,
		model.StatusClaimed: 0,
		model.StatusSent:    0,
		model.StatusFailed:  0,
	}
	for _, c := range counts {
		stats[c.Status] = c.Count
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, statsCacheKey, stats, statsCacheTTL); err != nil {
			logrus.WithError(err).Debug("stats cache write failed")
		}
	}
	return stats, nil
}
