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
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/nuomoria/postbox/model"
	"github.com/nuomoria/postbox/templates"
)

const maxBatchSize = 500

type EnqueueMessage struct {
	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Kind     string                 `json:"kind"`
	MetaData map[string]interface{} `json:"meta_data"`
}

type EnqueueTemplate struct {
	Kind     string                 `json:"kind"`
	To       string                 `json:"to"`
	Data     map[string]interface{} `json:"data"`
	MetaData map[string]interface{} `json:"meta_data"`
}

// DispatchRequest asks for one synchronous dispatcher run. A zero batch size means the configured default.
type DispatchRequest struct {
	BatchSize int `json:"batch_size"`
}

func knownKind(value interface{}) error {
	kind, _ := value.(string)
	if kind == "" || kind == model.KindCustom {
		return nil
	}
	for _, k := range templates.Kinds() {
		if k == kind {
			return nil
		}
	}
	return errors.New("unknown message kind")
}

func (m *EnqueueMessage) ValidateEnqueueMessage() error {
	m.To = strings.TrimSpace(m.To)
	return validation.ValidateStruct(m,
		validation.Field(&m.To, validation.Required, is.EmailFormat),
		validation.Field(&m.Subject, validation.Required, validation.Length(1, 998)),
		validation.Field(&m.Body, validation.Required),
		validation.Field(&m.Kind, validation.By(knownKind)),
	)
}

func (t *EnqueueTemplate) ValidateEnqueueTemplate() error {
	t.To = strings.TrimSpace(t.To)
	return validation.ValidateStruct(t,
		validation.Field(&t.Kind, validation.Required, validation.In(toInterfaces(templates.Kinds())...)),
		validation.Field(&t.To, validation.Required, is.EmailFormat),
		validation.Field(&t.Data, validation.Required),
	)
}

func (d *DispatchRequest) ValidateDispatchRequest() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.BatchSize, validation.Min(0), validation.Max(maxBatchSize)),
	)
}

func (m *EnqueueMessage) ToOutboxMessage() *model.OutboxMessage {
	return &model.OutboxMessage{
		To:       m.To,
		Subject:  m.Subject,
		Body:     m.Body,
		Kind:     m.Kind,
		MetaData: m.MetaData,
	}
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
