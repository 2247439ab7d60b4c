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
	"errors"
	"fmt"

	"github.com/nuomoria/postbox/email"
)

var (
	// ErrStoreUnavailable is matched by every failure to reach the outbox store.
	ErrStoreUnavailable = errors.New("outbox store unavailable")
	// ErrTransportRejected is matched when the email provider refused a message.
	ErrTransportRejected = email.ErrRejected
	// ErrRetryExhausted is matched when a message reached the attempt ceiling.
	ErrRetryExhausted   = errors.New("retry ceiling reached")
	ErrInvalidBatchSize = errors.New("batch size must not be negative")
)

// StoreUnavailableError reports which store operation failed.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// RetryExhaustedError is raised to operators when a message is marked failed.
type RetryExhaustedError struct {
	MessageID string
	Attempts  int
	Err       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("message %s failed after %d attempts: %v", e.MessageID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
