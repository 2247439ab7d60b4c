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
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuomoria/postbox/config"
	"github.com/nuomoria/postbox/email"
	"github.com/nuomoria/postbox/internal/apierror"
	"github.com/nuomoria/postbox/model"
)

// Delivery events emitted after each processed message.
const (
	EventEmailSent     = "email.sent"
	EventEmailRequeued = "email.requeued"
	EventEmailFailed   = "email.failed"
)

// OutboxStore is the part of the datasource the dispatcher needs.
// ClaimOutboxBatch must be atomic: a returned message is invisible to every
// other caller until it is written back or its lease expires.
type OutboxStore interface {
	ClaimOutboxBatch(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error)
	UpdateOutboxMessage(ctx context.Context, update model.MessageUpdate) error
}

// EventHook observes per-message outcomes. It runs on the dispatching goroutine.
type EventHook func(ctx context.Context, event string, msg model.OutboxMessage)

// Dispatcher drains claimed outbox batches through an email sender.
// It keeps no state between runs and is safe for concurrent use.
type Dispatcher struct {
	store  OutboxStore
	sender email.Sender

	maxAttempts       int
	maxWorkers        int
	lease             time.Duration
	sendTimeout       time.Duration
	writeBackRetries  int
	writeBackInterval time.Duration
	from              string
	idempotencyKeys   bool
	notify            func(error)
	onEvent           EventHook
	now               func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets the retry ceiling. A message whose failed attempts reach it is marked failed.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithMaxWorkers bounds how many messages of a batch are sent concurrently.
func WithMaxWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxWorkers = n
		}
	}
}

func WithLease(lease time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithSendTimeout bounds each transport call and each write-back.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

func WithWriteBackRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.writeBackRetries = n
		}
	}
}

func WithFrom(from string) DispatcherOption {
	return func(d *Dispatcher) { d.from = from }
}

// WithIdempotencyKeys passes a key derived from the message id with every send.
func WithIdempotencyKeys(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.idempotencyKeys = enabled }
}

// WithNotifier receives a *RetryExhaustedError for every message marked failed.
func WithNotifier(notify func(error)) DispatcherOption {
	return func(d *Dispatcher) { d.notify = notify }
}

func WithEventHook(hook EventHook) DispatcherOption {
	return func(d *Dispatcher) { d.onEvent = hook }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher builds a dispatcher around the given store and sender.
//
// Parameters:
// - store OutboxStore: Claims batches and persists per-message outcomes.
// - sender email.Sender: Delivers one message per call.
// - opts ...DispatcherOption: Overrides for the defaults (5 attempts, 1 worker, 5m lease, 30s send timeout, 3 write-back retries).
//
// Returns:
// - *Dispatcher: The configured dispatcher.
func NewDispatcher(store OutboxStore, sender email.Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:             store,
		sender:            sender,
		maxAttempts:       config.DEFAULT_MAX_ATTEMPTS,
		maxWorkers:        1,
		lease:             time.Duration(config.DEFAULT_LEASE_SECONDS) * time.Second,
		sendTimeout:       time.Duration(config.DEFAULT_SEND_TIMEOUT) * time.Second,
		writeBackRetries:  config.DEFAULT_WRITE_BACK_RETRIES,
		writeBackInterval: 200 * time.Millisecond,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDispatcherFromConfig applies the outbox and email sections of cnf.
func NewDispatcherFromConfig(store OutboxStore, sender email.Sender, cnf *config.Configuration, opts ...DispatcherOption) *Dispatcher {
	base := []DispatcherOption{
		WithMaxAttempts(cnf.Outbox.MaxAttempts),
		WithMaxWorkers(cnf.Outbox.MaxWorkers),
		WithLease(cnf.Outbox.Lease()),
		WithSendTimeout(cnf.Outbox.SendTimeout()),
		WithFrom(cnf.Email.From),
		WithIdempotencyKeys(cnf.Email.IdempotencyKeys),
	}
	if cnf.Outbox.WriteBackRetries != nil {
		base = append(base, WithWriteBackRetries(*cnf.Outbox.WriteBackRetries))
	}
	return NewDispatcher(store, sender, append(base, opts...)...)
}

// RunBatch claims up to batchSize messages, sends each one and writes back its outcome.
//
// Only a failed claim is a run-level error; it is returned as *StoreUnavailableError and
// nothing has been sent. Every per-message fault ends as a persisted status or as an
// entry in WriteBackErrors, except a message whose lease runs out before it is sent: that one
// is skipped untouched and counted in Expired. A batch size of zero claims nothing.
//
// Parameters:
// - ctx context.Context: Bounds the run. Cancelling it stops new sends and releases unsent messages.
// - batchSize int: The maximum number of messages to claim.
//
// Returns:
// - *model.BatchResult: The run summary.
// - error: ErrInvalidBatchSize or a *StoreUnavailableError.
func (d *Dispatcher) RunBatch(ctx context.Context, batchSize int) (*model.BatchResult, error) {
	ctx, span := otel.Tracer("postbox.dispatcher").Start(ctx, "RunBatch")
	defer span.End()

	if batchSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	}

	result := &model.BatchResult{
		StartedAt:       d.now(),
		WriteBackErrors: []model.WriteBackError{},
		Outcomes:        []model.MessageOutcome{},
	}

	messages, err := d.store.ClaimOutboxBatch(ctx, batchSize, d.leaseFor(batchSize))
	if err != nil {
		span.RecordError(err)
		logrus.WithError(err).Error("outbox claim failed, no messages dispatched")
		return nil, &StoreUnavailableError{Op: "claim", Err: err}
	}
	span.SetAttributes(attribute.Int("batch.claimed", len(messages)))

	if len(messages) == 0 {
		result.FinishedAt = d.now()
		return result, nil
	}

	var mu sync.Mutex
	if d.maxWorkers <= 1 {
		for _, msg := range messages {
			d.dispatch(ctx, msg, result, &mu)
		}
	} else {
		sem := make(chan struct{}, d.maxWorkers)
		var wg sync.WaitGroup
		for _, msg := range messages {
			wg.Add(1)
			sem <- struct{}{}
			go func(msg model.OutboxMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				d.dispatch(ctx, msg, result, &mu)
			}(msg)
		}
		wg.Wait()
	}

	result.FinishedAt = d.now()
	span.SetAttributes(
		attribute.Int("batch.sent", result.Sent),
		attribute.Int("batch.requeued", result.Requeued),
		attribute.Int("batch.failed", result.FailedTerminal),
	)
	logrus.WithFields(logrus.Fields{
		"attempted":         result.Attempted,
		"sent":              result.Sent,
		"requeued":          result.Requeued,
		"failed":            result.FailedTerminal,
		"released":          result.Released,
		"expired":           result.Expired,
		"write_back_errors": len(result.WriteBackErrors),
	}).Info("outbox batch dispatched")

	return result, nil
}

// leaseFor sizes the claim lease so the last message of a batch of n can still be
// sent and written back before it expires.
func (d *Dispatcher) leaseFor(n int) time.Duration {
	workers := d.maxWorkers
	if workers < 1 {
		workers = 1
	}
	rounds := (n + workers - 1) / workers
	need := time.Duration(rounds) * 2 * d.sendTimeout
	if need > d.lease {
		return need
	}
	return d.lease
}

// dispatch sends one claimed message and records its outcome in result.
func (d *Dispatcher) dispatch(ctx context.Context, msg model.OutboxMessage, result *model.BatchResult, mu *sync.Mutex) {
	fields := logrus.Fields{"message_id": msg.ID, "attempts": msg.Attempts}
	claimedUntil := msg.LockedUntil

	if claimedUntil != nil && !d.now().Add(d.sendTimeout).Before(*claimedUntil) {
		// the row may already belong to another run, so it is neither sent nor written
		mu.Lock()
		result.Expired++
		mu.Unlock()
		logrus.WithFields(fields).Warn("claim lease expired before send, message skipped")
		return
	}

	if ctx.Err() != nil {
		d.release(ctx, msg, claimedUntil, result, mu)
		logrus.WithFields(fields).Warn("run cancelled, message released unsent")
		return
	}

	sendErr := d.send(ctx, msg)
	if sendErr != nil && ctx.Err() != nil {
		// the run was cancelled mid-send; that is not the provider's fault
		d.release(ctx, msg, claimedUntil, result, mu)
		logrus.WithFields(fields).WithError(sendErr).Warn("run cancelled during send, message released")
		return
	}

	var (
		update  model.MessageUpdate
		outcome string
		event   string
	)
	if sendErr == nil {
		update = model.MessageUpdate{
			ID:        msg.ID,
			Status:    model.StatusSent,
			LastError: ptr.String(""),
			SentAt:    ptr.Time(d.now()),
		}
		outcome, event = model.OutcomeSent, EventEmailSent
		msg.LastError = ""
	} else {
		msg.Attempts++
		msg.LastError = sendErr.Error()
		update = model.MessageUpdate{
			ID:        msg.ID,
			Attempts:  ptr.Int(msg.Attempts),
			LastError: ptr.String(msg.LastError),
		}
		if msg.Attempts >= d.maxAttempts {
			update.Status = model.StatusFailed
			outcome, event = model.OutcomeFailed, EventEmailFailed
		} else {
			update.Status = model.StatusPending
			outcome, event = model.OutcomeRequeued, EventEmailRequeued
		}
	}
	msg.Status = update.Status
	if update.SentAt != nil {
		msg.SentAt = update.SentAt
	}
	update.ClaimedUntil = claimedUntil
	msg.LockedUntil = nil
	fields["attempts"] = msg.Attempts
	fields["status"] = msg.Status

	werr := d.writeBack(ctx, update)

	mu.Lock()
	result.Attempted++
	switch outcome {
	case model.OutcomeSent:
		result.Sent++
	case model.OutcomeFailed:
		result.FailedTerminal++
	default:
		result.Requeued++
	}
	result.Outcomes = append(result.Outcomes, model.MessageOutcome{MessageID: msg.ID, Outcome: outcome, Attempts: msg.Attempts})
	if werr != nil {
		result.WriteBackErrors = append(result.WriteBackErrors, model.WriteBackError{MessageID: msg.ID, Status: update.Status, Error: werr.Error()})
	}
	mu.Unlock()

	switch {
	case werr != nil:
		logrus.WithFields(fields).WithError(werr).Error("failed to persist outbox outcome, message may be sent again")
	case sendErr == nil:
		logrus.WithFields(fields).Info("email sent")
	case outcome == model.OutcomeFailed:
		logrus.WithFields(fields).WithError(sendErr).Error("email failed permanently")
	default:
		logrus.WithFields(fields).WithError(sendErr).Warn("email send failed, requeued")
	}

	if outcome == model.OutcomeFailed && d.notify != nil {
		d.notify(&RetryExhaustedError{MessageID: msg.ID, Attempts: msg.Attempts, Err: sendErr})
	}
	if d.onEvent != nil {
		d.onEvent(ctx, event, msg)
	}
}

// release hands an unsent message back as pending. The attempt budget is left untouched.
func (d *Dispatcher) release(ctx context.Context, msg model.OutboxMessage, claimedUntil *time.Time, result *model.BatchResult, mu *sync.Mutex) {
	update := model.MessageUpdate{ID: msg.ID, Status: model.StatusPending, ClaimedUntil: claimedUntil}
	werr := d.writeBack(ctx, update)
	mu.Lock()
	defer mu.Unlock()
	result.Released++
	if werr != nil {
		result.WriteBackErrors = append(result.WriteBackErrors, model.WriteBackError{MessageID: msg.ID, Status: update.Status, Error: werr.Error()})
	}
}

func (d *Dispatcher) send(ctx context.Context, msg model.OutboxMessage) error {
	ctx, span := otel.Tracer("postbox.dispatcher").Start(ctx, "Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("message.id", msg.ID), attribute.Int("message.attempts", msg.Attempts)),
	)
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	out := email.Message{
		To:      msg.To,
		From:    d.from,
		Subject: msg.Subject,
		HTML:    msg.Body,
	}
	if d.idempotencyKeys {
		out.IdempotencyKey = email.IdempotencyKey(msg.ID)
	}

	err := d.sender.Send(sendCtx, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
	}
	return err
}

// writeBack persists update, retrying with backoff. It outlives cancellation of the run
// so that an outcome already produced is not lost.
func (d *Dispatcher) writeBack(ctx context.Context, update model.MessageUpdate) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.writeBackInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.writeBackRetries)), ctx)

	err := backoff.Retry(func() error {
		err := d.store.UpdateOutboxMessage(ctx, update)
		if apierror.HasCode(err, apierror.ErrNotFound) || apierror.HasCode(err, apierror.ErrInvalidInput) ||
			apierror.HasCode(err, apierror.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return &StoreUnavailableError{Op: "write-back", Err: err}
	}
	return nil
}
