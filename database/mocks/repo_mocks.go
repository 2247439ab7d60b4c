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
package mocks

import (
	"context"
	"database/sql"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/nuomoria/postbox/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Outbox methods

func (m *MockDataSource) ClaimOutboxBatch(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	args := m.Called(ctx, limit, lease)
	messages, _ := args.Get(0).([]model.OutboxMessage)
	return messages, args.Error(1)
}

func (m *MockDataSource) UpdateOutboxMessage(ctx context.Context, update model.MessageUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

func (m *MockDataSource) InsertOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockDataSource) InsertOutboxMessageInTx(ctx context.Context, tx *sql.Tx, msg *model.OutboxMessage) error {
	args := m.Called(ctx, tx, msg)
	return args.Error(0)
}

// Query methods

func (m *MockDataSource) GetOutboxMessage(ctx context.Context, id string) (*model.OutboxMessage, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*model.OutboxMessage)
	return msg, args.Error(1)
}

func (m *MockDataSource) ListOutboxMessages(ctx context.Context, status string, limit, offset int) ([]model.OutboxMessage, error) {
	args := m.Called(ctx, status, limit, offset)
	messages, _ := args.Get(0).([]model.OutboxMessage)
	return messages, args.Error(1)
}

func (m *MockDataSource) CountOutboxMessagesByStatus(ctx context.Context) ([]model.StatusCount, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).([]model.StatusCount)
	return counts, args.Error(1)
}
