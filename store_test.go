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
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/nuomoria/postbox/email"
	"github.com/nuomoria/postbox/internal/apierror"
	"github.com/nuomoria/postbox/model"
)

// memoryStore mirrors the claim and write-back rules of the postgres datasource.
type memoryStore struct {
	mu       sync.Mutex
	rows     map[string]*model.OutboxMessage
	now      func() time.Time
	claimErr error
	// updateFailures makes the next n writes for an id fail.
	updateFailures map[string]int
	claims         int
	updates        int
}

func newMemoryStore(msgs ...model.OutboxMessage) *memoryStore {
	s := &memoryStore{
		rows:           map[string]*model.OutboxMessage{},
		now:            time.Now,
		updateFailures: map[string]int{},
	}
	for i := range msgs {
		s.put(msgs[i])
	}
	return s
}

func (s *memoryStore) put(msg model.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Status == "" {
		msg.Status = model.StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().Add(time.Duration(len(s.rows)) * time.Millisecond)
	}
	m := msg
	s.rows[msg.ID] = &m
}

func (s *memoryStore) get(id string) model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memoryStore) ClaimOutboxBatch(_ context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	now := s.now()
	var candidates []*model.OutboxMessage
	for _, row := range s.rows {
		expired := row.Status == model.StatusClaimed && row.LockedUntil != nil && row.LockedUntil.Before(now)
		if row.Status == model.StatusPending || expired {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	claimed := []model.OutboxMessage{}
	for _, row := range candidates {
		if len(claimed) >= limit {
			break
		}
		lockedUntil := now.Add(lease)
		row.Status = model.StatusClaimed
		row.LockedUntil = &lockedUntil
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (s *memoryStore) UpdateOutboxMessage(_ context.Context, update model.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if n := s.updateFailures[update.ID]; n > 0 {
		s.updateFailures[update.ID] = n - 1
		return apierror.NewAPIError(apierror.ErrUnavailable, "connection reset", nil)
	}

	row, ok := s.rows[update.ID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, "Outbox message not found", nil)
	}
	if model.IsTerminalStatus(row.Status) {
		return nil
	}
	if update.ClaimedUntil != nil && (row.Status != model.StatusClaimed || row.LockedUntil == nil || !row.LockedUntil.Equal(*update.ClaimedUntil)) {
		return apierror.NewAPIError(apierror.ErrConflict, "Outbox lease lost", nil)
	}
	row.Status = update.Status
	if update.Attempts != nil {
		row.Attempts = *update.Attempts
	}
	if update.LastError != nil {
		row.LastError = *update.LastError
	}
	if row.SentAt == nil && update.SentAt != nil {
		t := *update.SentAt
		row.SentAt = &t
	}
	row.LockedUntil = nil
	return nil
}

// fakeSender fails for recipients listed in failFor and records every call.
type fakeSender struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   []email.Message
	hook    func(ctx context.Context, msg email.Message) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: map[string]error{}}
}

func (f *fakeSender) Send(ctx context.Context, msg email.Message) error {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	err := f.failFor[msg.To]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, msg)
	}
	return err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var errProviderDown = errors.New("provider returned 503")

func fakeMessage(id string, attempts int) model.OutboxMessage {
	return model.OutboxMessage{
		ID:       id,
		To:       gofakeit.Email(),
		Subject:  gofakeit.Sentence(3),
		Body:     "<p>" + gofakeit.Paragraph(1, 2, 8, " ") + "</p>",
		Kind:     model.KindCustom,
		Status:   model.StatusPending,
		Attempts: attempts,
	}
}
