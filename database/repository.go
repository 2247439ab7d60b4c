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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/nuomoria/postbox/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	outbox  // Outbox claim, write-back and enqueue
	queries // Read-only lookups for the API
}

// outbox holds the operations the dispatcher and producers depend on.
type outbox interface {
	ClaimOutboxBatch(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) // Atomically claims up to limit dispatchable messages
	UpdateOutboxMessage(ctx context.Context, update model.MessageUpdate) error                             // Writes back the outcome of one processed message
	InsertOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error                               // Enqueues a new message
	InsertOutboxMessageInTx(ctx context.Context, tx *sql.Tx, msg *model.OutboxMessage) error               // Enqueues a message inside a caller-owned transaction
}

type queries interface {
	GetOutboxMessage(ctx context.Context, id string) (*model.OutboxMessage, error)
	ListOutboxMessages(ctx context.Context, status string, limit, offset int) ([]model.OutboxMessage, error)
	CountOutboxMessagesByStatus(ctx context.Context) ([]model.StatusCount, error)
}
