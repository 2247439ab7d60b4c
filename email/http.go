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

package email

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuomoria/postbox/internal/request"
)

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendEmailResponse struct {
	ID string `json:"id"`
}

// HTTPSender posts messages to a JSON email API exposing POST /emails.
type HTTPSender struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSender(baseURL, apiKey string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Send delivers msg. Any 2xx answer counts as accepted, whatever its body. A non-2xx
// answer is returned as *RejectedError.
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	payload, err := request.ToJsonReq(sendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", request.BearerAuth(s.apiKey))
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	var response sendEmailResponse
	resp, err := request.Call(s.client, req, &response)
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) {
			return &RejectedError{StatusCode: statusErr.StatusCode, Body: statusErr.Body}
		}
		if resp == nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
			return err
		}
		// any 2xx means the provider accepted the message, so an unreadable body only loses its id
		logrus.WithFields(logrus.Fields{"to": msg.To, "status": resp.StatusCode}).WithError(err).Warn("email accepted but provider response could not be decoded")
		return nil
	}

	logrus.WithFields(logrus.Fields{"provider_id": response.ID, "to": msg.To}).Debug("email accepted by provider")
	return nil
}
