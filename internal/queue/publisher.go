// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue starts downstream document analysis by pushing Celery
// protocol-2 task messages onto a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailintake/internal/models"
)

// AnalyzeDocumentTask is the Celery task that processes one document run.
const AnalyzeDocumentTask = "analysis.tasks.analyze_document"

// Publisher sends analysis triggers to a Celery queue on Redis.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a publisher for the named queue.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

type celeryTask struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Args    []string       `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Retries int            `json:"retries"`
	ETA     *string        `json:"eta"`
}

type taskHeaders struct {
	Lang    string `json:"lang"`
	Task    string `json:"task"`
	ID      string `json:"id"`
	Retries int    `json:"retries"`
}

type route struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

type deliveryProperties struct {
	CorrelationID string `json:"correlation_id"`
	DeliveryMode  int    `json:"delivery_mode"`
	DeliveryTag   string `json:"delivery_tag"`
	BodyEncoding  string `json:"body_encoding"`
	route
	DeliveryInfo route `json:"delivery_info"`
}

// celeryMessage is the transport envelope read by the Redis broker.
type celeryMessage struct {
	Body            string             `json:"body"`
	ContentEncoding string             `json:"content-encoding"`
	ContentType     string             `json:"content-type"`
	Headers         taskHeaders        `json:"headers"`
	Properties      deliveryProperties `json:"properties"`
}

// Start queues analysis of one document. The task ID is the run ID, so a
// re-published trigger is recognisable to the consumer.
func (p *Publisher) Start(ctx context.Context, req models.TriggerRequest) error {
	taskID := req.RunID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	msg, err := p.envelope(taskID, req)
	if err != nil {
		return err
	}

	// Celery pops from the right.
	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("queued document analysis",
		"task_id", taskID,
		"document_id", req.DocumentID,
		"case_id", req.CaseID,
		"queue", p.queueName,
	)
	return nil
}

func (p *Publisher) envelope(taskID string, req models.TriggerRequest) (string, error) {
	arg, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal trigger request: %w", err)
	}
	body, err := json.Marshal(celeryTask{
		ID:     taskID,
		Task:   AnalyzeDocumentTask,
		Args:   []string{string(arg)},
		Kwargs: map[string]any{},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery task: %w", err)
	}

	r := route{Exchange: p.queueName, RoutingKey: p.queueName}
	msg, err := json.Marshal(celeryMessage{
		Body:            string(body),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers:         taskHeaders{Lang: "py", Task: AnalyzeDocumentTask, ID: taskID},
		Properties: deliveryProperties{
			CorrelationID: taskID,
			DeliveryMode:  2,
			DeliveryTag:   taskID,
			BodyEncoding:  "utf-8",
			route:         r,
			DeliveryInfo:  r,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery message: %w", err)
	}
	return string(msg), nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
