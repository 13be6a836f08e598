package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Job kinds routed by the worker.
const (
	JobDirect      = "direct"
	JobDripStep    = "drip_step"
	JobTriggerFire = "trigger_fire"
	JobABVariant   = "ab_variant"
)

// Job is the queue payload. NotBefore carries the scheduling delay across
// the broker; consumers hold the job until that instant.
type Job struct {
	Type       string `json:"type"`
	CampaignID int    `json:"campaign_id"`
	ContactID  int    `json:"contact_id"`
	Step       int    `json:"step,omitempty"`
	Variant    string `json:"variant,omitempty"`
	NotBefore  int64  `json:"not_before,omitempty"` // unix millis

	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Queue is the durable at-least-once job queue the dispatch workers pull
// from. Pause/Resume are cooperative: already-delivered jobs finish.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration, maxAttempts int) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// ========================= RabbitMQ =========================

// RabbitQueue publishes jobs to a durable RabbitMQ queue.
type RabbitQueue struct {
	ch   *amqp.Channel
	name string
}

func NewRabbitQueue(ch *amqp.Channel, name string) (*RabbitQueue, error) {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return &RabbitQueue{ch: ch, name: name}, nil
}

func (q *RabbitQueue) Enqueue(_ context.Context, job Job, delay time.Duration, maxAttempts int) error {
	if delay > 0 {
		job.NotBefore = time.Now().Add(delay).UnixMilli()
	}
	job.MaxAttempts = maxAttempts

	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (q *RabbitQueue) Pause(_ context.Context) error {
	return q.ch.Flow(false)
}

func (q *RabbitQueue) Resume(_ context.Context) error {
	return q.ch.Flow(true)
}

// ========================= In-memory =========================

// Handler processes one job; a non-nil error triggers a retry up to the
// job's max attempts.
type Handler func(job Job) error

// InMemoryQueue is an in-process queue with delay, retry and pause support.
// Used by the server binary in single-process mode and by tests.
type InMemoryQueue struct {
	mu      sync.Mutex
	handler Handler
	paused  bool
	held    []Job

	// OnDrop is called when a job exhausts its attempts.
	OnDrop func(Job)
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

// Subscribe registers the single handler jobs are delivered to.
func (q *InMemoryQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *InMemoryQueue) Enqueue(_ context.Context, job Job, delay time.Duration, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	job.MaxAttempts = maxAttempts

	if delay <= 0 {
		q.deliver(job)
		return nil
	}
	time.AfterFunc(delay, func() { q.deliver(job) })
	return nil
}

func (q *InMemoryQueue) deliver(job Job) {
	q.mu.Lock()
	if q.paused {
		q.held = append(q.held, job)
		q.mu.Unlock()
		return
	}
	handler := q.handler
	q.mu.Unlock()

	if handler == nil {
		log.Printf("⚠️ no subscriber, dropping job %+v", job)
		return
	}
	go q.processJob(handler, job)
}

// processJob retries with backoff until the handler succeeds or attempts
// run out.
func (q *InMemoryQueue) processJob(handler Handler, job Job) {
	for attempt := 1; ; attempt++ {
		err := handler(job)
		if err == nil {
			return
		}

		log.Printf("Job failed (attempt %d/%d): %+v, error: %v", attempt, job.MaxAttempts, job, err)
		if attempt >= job.MaxAttempts {
			log.Printf("Job permanently failed after %d attempts: %+v", job.MaxAttempts, job)
			q.mu.Lock()
			onDrop := q.OnDrop
			q.mu.Unlock()
			if onDrop != nil {
				onDrop(job)
			}
			return
		}
		time.Sleep(time.Duration(attempt*500) * time.Millisecond)
	}
}

func (q *InMemoryQueue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *InMemoryQueue) Resume(_ context.Context) error {
	q.mu.Lock()
	q.paused = false
	held := q.held
	q.held = nil
	q.mu.Unlock()

	for _, job := range held {
		q.deliver(job)
	}
	return nil
}

var (
	_ Queue = (*RabbitQueue)(nil)
	_ Queue = (*InMemoryQueue)(nil)
)
