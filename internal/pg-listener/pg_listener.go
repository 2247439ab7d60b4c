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

package pglistener

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// OutboxChannel is the channel the outbox insert trigger notifies on.
const OutboxChannel = "postbox_outbox"

type ListenerConfig struct {
	PgConnStr            string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// Notification carries the id of the inserted message. MessageID is empty after a
// reconnect, when inserts may have been missed.
type Notification struct {
	Channel   string
	MessageID string
}

type Handler func(ctx context.Context, n Notification)

// DBListener relays postgres NOTIFY events to a handler.
type DBListener struct {
	config  ListenerConfig
	handler Handler
}

func NewDBListener(config ListenerConfig, handler Handler) *DBListener {
	if config.Channel == "" {
		config.Channel = OutboxChannel
	}
	if config.MinReconnectInterval <= 0 {
		config.MinReconnectInterval = 10 * time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	return &DBListener{config: config, handler: handler}
}

// Start listens until ctx is done. It returns an error only if the initial LISTEN fails.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnectInterval, d.config.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logrus.WithError(err).WithField("event", ev).Warn("postgres listener event")
			}
		})
	defer func() {
		_ = listener.Close()
	}()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.WithField("channel", d.config.Channel).Info("listening for outbox notifications")

	ping := time.NewTicker(d.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			d.handle(ctx, n)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				logrus.WithError(err).Warn("postgres listener ping failed")
			}
		}
	}
}

// handle forwards n. pq sends a nil notification after re-establishing the connection.
func (d *DBListener) handle(ctx context.Context, n *pq.Notification) {
	if n == nil {
		d.handler(ctx, Notification{Channel: d.config.Channel})
		return
	}
	d.handler(ctx, Notification{Channel: n.Channel, MessageID: n.Extra})
}
