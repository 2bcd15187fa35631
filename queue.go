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

package paylane

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"
	"github.com/paylane/paylane/config"
	redis_db "github.com/paylane/paylane/internal/redis-db"
)

// Queue carries outbound notifications to the asynq workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	name      string
	maxRetry  int
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB}
	name := conf.Queue.NotificationQueue
	if name == "" {
		name = "paylane_notifications"
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		name:      name,
		maxRetry:  conf.Queue.MaxRetry,
	}
}

// Name is both the asynq queue and the task type notifications are enqueued under.
func (q *Queue) Name() string {
	return q.name
}

// EnqueueNotification enqueues an outbound webhook notification.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - webhook NewWebhook: The event and its payload.
// - taskID string: Optional task ID. A second enqueue with the same ID is rejected by asynq.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueNotification(ctx context.Context, webhook NewWebhook, taskID string) error {
	ctx, span := tracer.Start(ctx, "Adding Notification To Redis Queue")
	defer span.End()

	payload, err := json.Marshal(webhook)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(q.name)}
	if q.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(q.maxRetry))
	}
	if taskID != "" {
		opts = append(opts, asynq.TaskID(taskID))
	}
	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(q.name, payload), opts...)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}
