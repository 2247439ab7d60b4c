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

// Package email delivers rendered outbox messages through an HTTP email API or an SMTP relay.
package email

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nuomoria/postbox/config"
)

// ErrRejected marks a non-success answer from the email provider.
var ErrRejected = errors.New("email provider rejected message")

// Message is a single email handed to a Sender.
type Message struct {
	To             string
	From           string
	Subject        string
	HTML           string
	IdempotencyKey string
}

// Sender delivers one message per call. Implementations must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// RejectedError carries the provider's status code and response body.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", ErrRejected, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrRejected, e.StatusCode, e.Body)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IdempotencyKey derives a stable provider idempotency key from an outbox message id,
// so a message resent after a lost write-back is deduplicated by providers that support it.
func IdempotencyKey(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return "postbox-" + hex.EncodeToString(sum[:])[:32]
}

// NewSender builds the Sender selected by cfg.Provider.
func NewSender(cfg config.EmailConfig, timeout time.Duration) (Sender, error) {
	switch cfg.Provider {
	case "", "http":
		return NewHTTPSender(cfg.BaseURL, cfg.APIKey, timeout), nil
	case "smtp":
		return NewSMTPSender(cfg.SMTP), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
}
