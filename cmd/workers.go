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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/nuomoria/postbox"
	"github.com/nuomoria/postbox/config"
	redlock "github.com/nuomoria/postbox/internal/lock"
	pglistener "github.com/nuomoria/postbox/internal/pg-listener"
	redis_db "github.com/nuomoria/postbox/internal/redis-db"
)

const pollerLockKey = "postbox:dispatch-poller"

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.DispatchQueue: 3,
		cfg.Queue.WebhookQueue:  1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("task", task.Type()).Error("task failed")
		}),
	}), nil
}

func initializeTaskHandlers(p *postboxInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(postbox.TaskDispatchBatch, p.postbox.ProcessDispatchTask)
	mux.HandleFunc(postbox.TaskWebhook, postbox.ProcessWebhook)
}

// startMonitoring serves the asynqmon dashboard under /monitoring.
func startMonitoring(conf *config.Configuration) error {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})

	go func() {
		addr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", addr)
		if err := http.ListenAndServe(addr, h); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("asynqmon server stopped")
		}
	}()
	return nil
}

// startPoller runs the in-process poller. With outbox.poller_lock set, replicas take turns through a redis lock.
func startPoller(ctx context.Context, p *postboxInstance) (*postbox.DispatchProcessor, func(), error) {
	conf := p.cnf
	processor := postbox.NewDispatchProcessor(p.postbox, conf.Outbox.BatchSize, conf.Outbox.PollInterval())
	cleanup := func() {}

	if conf.Outbox.PollerLock {
		client, err := redis_db.NewRedisClient([]string{conf.Redis.Dns}, conf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client for poller lock: %w", err)
		}
		ttl := conf.Outbox.Lease()
		if ttl <= 0 {
			ttl = conf.Outbox.PollInterval()
		}
		processor.WithLocker(redlock.NewLocker(client.Client(), pollerLockKey, uuid.NewString()), ttl)
		cleanup = func() { _ = client.Close() }
	}

	processor.Start(ctx)
	return processor, cleanup, nil
}

// workerCommands starts the asynq worker server, the dispatch scheduler and, when enabled, the poller.
func workerCommands(p *postboxInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start postbox workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			conf := p.cnf

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				if err := shutdown(shutdownCtx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(p, mux)

			scheduler, err := postbox.NewScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			if conf.Outbox.EnablePoller {
				processor, cleanup, err := startPoller(ctx, p)
				if err != nil {
					log.Fatal(err)
				}
				defer cleanup()
				defer processor.Stop()

				if conf.Outbox.ListenNotify {
					listener := pglistener.NewDBListener(pglistener.ListenerConfig{PgConnStr: conf.DataSource.Dns},
						func(context.Context, pglistener.Notification) { processor.Wake() })
					go func() {
						if err := listener.Start(ctx); err != nil {
							logrus.WithError(err).Error("outbox listener stopped, falling back to interval polling")
						}
					}()
				}
			}

			if err := startMonitoring(conf); err != nil {
				logrus.WithError(err).Warn("asynqmon disabled")
			}

			// Run blocks until SIGINT or SIGTERM
			if err := srv.Run(mux); err != nil {
				logrus.WithError(err).Error("could not run worker server")
			}
		},
	}

	return cmd
}
