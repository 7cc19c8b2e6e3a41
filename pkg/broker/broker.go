/*
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

// Package broker carries transition tasks from the dispatch controller to the
// workers over Redis. Ready tasks sit on a list and are claimed with a
// blocking move onto a per-queue processing list; delayed tasks (retries,
// reschedules) wait in a sorted set scored by their due time until the
// promoter moves them across.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

const DefaultQueue = "transitions"

// Envelope is the wire form of one task delivery. AttemptIndex, IsDuplicate
// and Rescheduled travel with the message so the worker can apply the dedup
// gate and timeout rules without a database round trip.
type Envelope struct {
	TaskID       string `json:"task_id"`
	TransitionID string `json:"transition_id"`
	ResourceID   string `json:"resource_id"`
	Phase        string `json:"phase"`

	AttemptIndex int  `json:"attempt_index"`
	IsDuplicate  bool `json:"is_duplicate"`
	Rescheduled  bool `json:"rescheduled"`

	SoftLimit time.Duration `json:"soft_limit"`
	HardLimit time.Duration `json:"hard_limit"`

	EnqueuedAt      time.Time `json:"enqueued_at"`
	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`

	raw []byte
}

// Age is the time since the task was first enqueued, across all attempts.
// Total-timeout budgets are charged against this.
func (e *Envelope) Age(now time.Time) time.Duration {
	if e.FirstEnqueuedAt.IsZero() {
		return 0
	}
	return now.Sub(e.FirstEnqueuedAt)
}

// Broker is a Redis-backed task queue.
type Broker struct {
	client redis.UniversalClient
	queue  string
	clock  clock.Clock
}

type Option func(*Broker)

func WithQueue(name string) Option {
	return func(b *Broker) { b.queue = name }
}

func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

func New(client redis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{client: client, queue: DefaultQueue, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) readyKey() string      { return fmt.Sprintf("queue|%s|ready", b.queue) }
func (b *Broker) delayedKey() string    { return fmt.Sprintf("queue|%s|delayed", b.queue) }
func (b *Broker) processingKey() string { return fmt.Sprintf("queue|%s|processing", b.queue) }

func (b *Broker) stamp(envelope *Envelope) ([]byte, error) {
	now := b.clock.Now()
	envelope.EnqueuedAt = now
	if envelope.FirstEnqueuedAt.IsZero() {
		envelope.FirstEnqueuedAt = now
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling task %s, %w", envelope.TaskID, err)
	}
	envelope.raw = payload
	return payload, nil
}

// Enqueue makes the task immediately claimable.
func (b *Broker) Enqueue(ctx context.Context, envelope *Envelope) error {
	payload, err := b.stamp(envelope)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.readyKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueuing task %s, %w", envelope.TaskID, err)
	}
	return nil
}

// EnqueueDelayed parks the task until now+delay; PromoteDue moves it to the
// ready list once the delay elapses.
func (b *Broker) EnqueueDelayed(ctx context.Context, envelope *Envelope, delay time.Duration) error {
	payload, err := b.stamp(envelope)
	if err != nil {
		return err
	}
	due := float64(b.clock.Now().Add(delay).UnixMilli())
	if err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueuing delayed task %s, %w", envelope.TaskID, err)
	}
	return nil
}

// Receive blocks up to timeout for a ready task, moving it onto the
// processing list. Returns nil when the timeout elapses with nothing queued.
func (b *Broker) Receive(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	payload, err := b.client.BLMove(ctx, b.readyKey(), b.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receiving task, %w", err)
	}
	envelope := &Envelope{}
	if err := json.Unmarshal([]byte(payload), envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling task, %w", err)
	}
	envelope.raw = []byte(payload)
	return envelope, nil
}

// Ack removes a claimed task from the processing list. Safe to call twice.
func (b *Broker) Ack(ctx context.Context, envelope *Envelope) error {
	if envelope.raw == nil {
		return fmt.Errorf("acking task %s that was not received from this broker", envelope.TaskID)
	}
	if err := b.client.LRem(ctx, b.processingKey(), 1, envelope.raw).Err(); err != nil {
		return fmt.Errorf("acking task %s, %w", envelope.TaskID, err)
	}
	return nil
}

// PromoteDue moves every delayed task whose due time has passed onto the
// ready list, returning how many were promoted. Called periodically by the
// worker controller.
func (b *Broker) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(b.clock.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing due tasks, %w", err)
	}
	promoted := 0
	for _, payload := range due {
		removed, err := b.client.ZRem(ctx, b.delayedKey(), payload).Result()
		if err != nil {
			return promoted, fmt.Errorf("claiming due task, %w", err)
		}
		if removed == 0 {
			// another promoter got there first
			continue
		}
		if err := b.client.LPush(ctx, b.readyKey(), payload).Err(); err != nil {
			return promoted, fmt.Errorf("promoting due task, %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Lengths reports queue depths for the metrics controller.
func (b *Broker) Lengths(ctx context.Context) (ready, delayed, processing int64, err error) {
	if ready, err = b.client.LLen(ctx, b.readyKey()).Result(); err != nil {
		return 0, 0, 0, err
	}
	if delayed, err = b.client.ZCard(ctx, b.delayedKey()).Result(); err != nil {
		return 0, 0, 0, err
	}
	if processing, err = b.client.LLen(ctx, b.processingKey()).Result(); err != nil {
		return 0, 0, 0, err
	}
	return ready, delayed, processing, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
