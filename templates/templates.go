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

// Package templates renders the transactional emails queued into the outbox.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/nuomoria/postbox/model"
)

//go:embed files/*.html
var files embed.FS

var ErrUnknownTemplate = errors.New("unknown email template")

type emailTemplate struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

var registry = map[string]emailTemplate{
	model.KindInvoice: {
		subject: texttemplate.Must(texttemplate.New("subject").Option("missingkey=error").
			Parse("Invoice {{.invoice_number}} for {{.property_name}}")),
		body: htmltemplate.Must(htmltemplate.New("invoice.html").Option("missingkey=error").
			ParseFS(files, "files/invoice.html")),
	},
	model.KindTenantInvitation: {
		subject: texttemplate.Must(texttemplate.New("subject").Option("missingkey=error").
			Parse("You're invited to {{.property_name}}")),
		body: htmltemplate.Must(htmltemplate.New("tenant_invitation.html").Option("missingkey=error").
			ParseFS(files, "files/tenant_invitation.html")),
	},
}

// Kinds lists the template kinds Render accepts.
func Kinds() []string {
	return []string{model.KindInvoice, model.KindTenantInvitation}
}

// Render produces the subject and HTML body for kind. Every key referenced by the
// template must be present in data. Optional keys may be present with an empty value.
func Render(kind string, data map[string]interface{}) (subject, html string, err error) {
	tmpl, ok := registry[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, kind)
	}

	var s bytes.Buffer
	if err := tmpl.subject.Execute(&s, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", kind, err)
	}

	var b bytes.Buffer
	if err := tmpl.body.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", kind, err)
	}

	return strings.TrimSpace(s.String()), b.String(), nil
}
