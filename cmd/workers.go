/*
Copyright 2024 Paylane Authors.

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
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/paylane/paylane"
	"github.com/paylane/paylane/config"
	redis_db "github.com/paylane/paylane/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

func redisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(conf *config.Configuration, opt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      map[string]int{conf.Queue.NotificationQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithFields(logrus.Fields{
				"task":    task.Type(),
				"retried": retried,
				"max":     maxRetry,
			}).Errorf("notification delivery failed: %v", err)
		}),
	})
}

// deliverNotification posts one outbound notification to the configured webhook.
func deliverNotification(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("paylane.notifications.worker").Start(ctx, "Deliver Notification From Redis Queue")
	defer span.End()
	return paylane.ProcessWebhook(ctx, t)
}

func initializeTaskHandlers(conf *config.Configuration, mux *asynq.ServeMux) {
	mux.HandleFunc(conf.Queue.NotificationQueue, deliverNotification)
}

// workerCommands defines the "workers" command. Workers deliver the notifications the engine
// enqueues and expose asynqmon under /monitoring.
func workerCommands(_ *paylaneInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start paylane workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			opt, err := redisConnOpt(conf)
			if err != nil {
				log.Fatal(err)
			}
			srv := initializeWorkerServer(conf, opt)

			mux := asynq.NewServeMux()
			initializeTaskHandlers(conf, mux)

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			// Run blocks until SIGINT or SIGTERM
			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
