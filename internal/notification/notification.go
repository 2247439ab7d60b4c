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

package notification

import (
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuomoria/postbox/config"
	"github.com/nuomoria/postbox/internal/request"
)

var slackClient = &http.Client{Timeout: 10 * time.Second}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(project string, err error, at time.Time) slackMessage {
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "Alert from " + project + " 📮", Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: "*Error:*\n" + err.Error()}}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: "*Time:*\n" + at.Format(time.RFC822)}}},
	}}
}

// SlackNotification posts err to the configured Slack webhook.
//
// Parameters:
// - err: The error to be reported via Slack.
//
// Returns:
// - error: Missing configuration, or a failure to deliver the webhook.
func SlackNotification(err error) error {
	conf, cErr := config.Fetch()
	if cErr != nil {
		return cErr
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return errors.New("slack webhook url is not configured")
	}

	payload, jErr := request.ToJsonReq(slackPayload(conf.ProjectName, err, time.Now()))
	if jErr != nil {
		return jErr
	}

	req, rErr := http.NewRequest(http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if rErr != nil {
		return rErr
	}

	// Slack answers with plain text, so the body is not decoded
	_, rErr = request.Call(slackClient, req, nil)
	return rErr
}

// NotifyError logs systemError and forwards it to Slack when a webhook is configured.
// It never blocks the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.WithError(systemError).Error("operator notification")

		conf, err := config.Fetch()
		if err != nil {
			logrus.Warn(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			if err := SlackNotification(systemError); err != nil {
				logrus.WithError(err).Warn("failed to send slack notification")
			}
		}
	}(systemError)
}
