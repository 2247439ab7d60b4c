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
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nuomoria/postbox/internal/apierror"
	"github.com/nuomoria/postbox/model"
)

const outboxColumns = `id, recipient, subject, body, kind, status, attempts, last_error, sent_at, meta_data, created_at, updated_at, locked_until`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ClaimOutboxBatch moves up to limit dispatchable rows to claimed and returns them.
// A row is dispatchable when it is pending, or claimed with an expired lease.
// Concurrent callers never receive the same row because the inner select skips locked rows.
func (d Datasource) ClaimOutboxBatch(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	ctx, span := otel.Tracer("postbox.datasource").Start(ctx, "ClaimOutboxBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.limit", limit))

	if limit <= 0 {
		return []model.OutboxMessage{}, nil
	}

	// Postgres keeps microseconds, so the returned lease matches what a fenced write compares against.
	lockedUntil := time.Now().Add(lease).Truncate(time.Microsecond)
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE postbox.outbox_messages
		SET status = $1, locked_until = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM postbox.outbox_messages
			WHERE status = $3 OR (status = $1 AND locked_until < NOW())
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		model.StatusClaimed, lockedUntil, model.StatusPending, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "Failed to claim outbox batch", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]model.OutboxMessage, 0, limit)
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			span.RecordError(err)
			return nil, apierror.NewAPIError(apierror.ErrUnavailable, "Failed to scan claimed message", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "Failed to read claimed batch", err)
	}

	span.SetAttributes(attribute.Int("batch.claimed", len(messages)))
	return messages, nil
}

// UpdateOutboxMessage persists the outcome of one processed row and releases its lease.
// sent_at is only ever set once. Rows already in a terminal status are left alone, and
// repeating a write against such a row succeeds without changing it. A write fenced by
// ClaimedUntil fails with ErrConflict once the row has been reclaimed or released.
func (d Datasource) UpdateOutboxMessage(ctx context.Context, update model.MessageUpdate) error {
	ctx, span := otel.Tracer("postbox.datasource").Start(ctx, "UpdateOutboxMessage")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", update.ID), attribute.String("message.status", update.Status))

	if !model.IsValidStatus(update.Status) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid outbox status", nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE postbox.outbox_messages
		SET status = $2,
			attempts = COALESCE($3, attempts),
			last_error = COALESCE($4, last_error),
			sent_at = COALESCE(sent_at, $5),
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)
			AND ($8::timestamptz IS NULL OR (status = $9 AND locked_until = $8))
	`, update.ID, update.Status, update.Attempts, update.LastError, update.SentAt, model.StatusSent, model.StatusFailed,
		update.ClaimedUntil, model.StatusClaimed)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrUnavailable, "Failed to update outbox message", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrUnavailable, "Failed to get rows affected", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = d.Conn.QueryRowContext(ctx, `SELECT status FROM postbox.outbox_messages WHERE id = $1`, update.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apierror.NewAPIError(apierror.ErrNotFound, "Outbox message not found", nil)
		}
		return apierror.NewAPIError(apierror.ErrUnavailable, "Failed to check outbox message", err)
	}
	if !model.IsTerminalStatus(status) && update.ClaimedUntil != nil {
		span.AddEvent("lease lost", nil)
		return apierror.NewAPIError(apierror.ErrConflict, "Outbox lease lost", nil)
	}
	span.AddEvent("terminal row left unchanged", nil)
	return nil
}

// InsertOutboxMessage enqueues a message as pending.
func (d Datasource) InsertOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error {
	return insertOutboxMessage(ctx, d.Conn, msg)
}

// InsertOutboxMessageInTx enqueues a message using the caller's transaction, so it commits
// together with the business write that produced it.
func (d Datasource) InsertOutboxMessageInTx(ctx context.Context, tx *sql.Tx, msg *model.OutboxMessage) error {
	return insertOutboxMessage(ctx, tx, msg)
}

func insertOutboxMessage(ctx context.Context, exec execer, msg *model.OutboxMessage) error {
	ctx, span := otel.Tracer("postbox.datasource").Start(ctx, "InsertOutboxMessage")
	defer span.End()

	if msg.ID == "" {
		msg.ID = model.GenerateUUIDWithSuffix("msg")
	}
	if msg.Kind == "" {
		msg.Kind = model.KindCustom
	}
	now := time.Now()
	msg.Status = model.StatusPending
	msg.Attempts = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now

	metaDataJSON, err := json.Marshal(msg.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrBadRequest, "Failed to marshal metadata", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO postbox.outbox_messages (id, recipient, subject, body, kind, status, attempts, meta_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.To, msg.Subject, msg.Body, msg.Kind, msg.Status, msg.Attempts, metaDataJSON, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apierror.NewAPIError(apierror.ErrConflict, "Outbox message already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue outbox message", err)
	}
	return nil
}

// GetOutboxMessage fetches a single message by ID.
func (d Datasource) GetOutboxMessage(ctx context.Context, id string) (*model.OutboxMessage, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM postbox.outbox_messages WHERE id = $1`, id)
	msg, err := scanOutboxMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Outbox message not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve outbox message", err)
	}
	return msg, nil
}

// ListOutboxMessages pages through messages newest first. An empty status lists every status.
func (d Datasource) ListOutboxMessages(ctx context.Context, status string, limit, offset int) ([]model.OutboxMessage, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM postbox.outbox_messages
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list outbox messages", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []model.OutboxMessage{}
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox message", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list outbox messages", err)
	}
	return messages, nil
}

// CountOutboxMessagesByStatus returns one count per status present in the table.
func (d Datasource) CountOutboxMessagesByStatus(ctx context.Context) ([]model.StatusCount, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM postbox.outbox_messages
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count outbox messages", err)
	}
	defer func() { _ = rows.Close() }()

	counts := []model.StatusCount{}
	for rows.Next() {
		var c model.StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan status count", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count outbox messages", err)
	}
	return counts, nil
}

func scanOutboxMessage(row rowScanner) (*model.OutboxMessage, error) {
	var (
		msg         model.OutboxMessage
		lastError   sql.NullString
		sentAt      sql.NullTime
		lockedUntil sql.NullTime
		metaData    []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.To,
		&msg.Subject,
		&msg.Body,
		&msg.Kind,
		&msg.Status,
		&msg.Attempts,
		&lastError,
		&sentAt,
		&metaData,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&lockedUntil,
	)
	if err != nil {
		return nil, err
	}

	msg.LastError = lastError.String
	if sentAt.Valid {
		t := sentAt.Time
		msg.SentAt = &t
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		msg.LockedUntil = &t
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &msg.MetaData); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}
