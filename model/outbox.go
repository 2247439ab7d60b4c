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

package model

import (
	"time"
)

// Outbox status constants
const (
	StatusPending = "pending"
	StatusClaimed = "claimed"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message kinds
const (
	KindCustom           = "custom"
	KindInvoice          = "invoice"
	KindTenantInvitation = "tenant_invitation"
)

// Dispatch outcomes reported per message.
const (
	OutcomeSent     = "sent"
	OutcomeRequeued = "requeued"
	OutcomeFailed   = "failed"
)

// OutboxMessage is one queued email. To, Subject and Body never change after enqueue.
type OutboxMessage struct {
	ID          string                 `json:"id"`
	To          string                 `json:"to"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	Kind        string                 `json:"kind"`
	Status      string                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"last_error,omitempty"`
	SentAt      *time.Time             `json:"sent_at,omitempty"`
	MetaData    map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	LockedUntil *time.Time             `json:"locked_until,omitempty"`
}

// MessageUpdate is the write-back for a single processed row.
// Nil fields are left untouched.
type MessageUpdate struct {
	ID        string
	Status    string
	Attempts  *int
	LastError *string
	SentAt    *time.Time
	// ClaimedUntil fences the write to the claim that produced it. When set,
	// the update only applies while the row is still claimed with this lease.
	ClaimedUntil *time.Time
}

// WriteBackError records a status write that could not be persisted.
type WriteBackError struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

// MessageOutcome is what happened to one message during a run.
type MessageOutcome struct {
	MessageID string `json:"message_id"`
	Outcome   string `json:"outcome"`
	Attempts  int    `json:"attempts"`
}

// BatchResult summarises a single dispatcher run.
// Attempted always equals Sent + FailedTerminal + Requeued. Released counts claimed
// messages handed back unsent because the run was cancelled. Expired counts
// claimed messages skipped because their lease ran out before they could be sent.
type BatchResult struct {
	Attempted       int              `json:"attempted"`
	Sent            int              `json:"sent"`
	FailedTerminal  int              `json:"failed_terminal"`
	Requeued        int              `json:"requeued"`
	Released        int              `json:"released,omitempty"`
	Expired         int              `json:"expired,omitempty"`
	WriteBackErrors []WriteBackError `json:"write_back_errors"`
	Outcomes        []MessageOutcome `json:"outcomes,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// StatusCount is the number of outbox rows in a given status.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// IsTerminalStatus reports whether a message in this status can never be claimed again.
func IsTerminalStatus(status string) bool {
	return status == StatusSent || status == StatusFailed
}

// IsValidStatus reports whether status is one of the known outbox statuses.
func IsValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusClaimed, StatusSent, StatusFailed:
		return true
	}
	return false
}
