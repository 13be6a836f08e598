// cmd/worker/main.go
package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/pagereach/chatflow-backend/internal/abtest"
	"github.com/pagereach/chatflow-backend/internal/channel"
	"github.com/pagereach/chatflow-backend/internal/compliance"
	"github.com/pagereach/chatflow-backend/internal/config"
	"github.com/pagereach/chatflow-backend/internal/db"
	"github.com/pagereach/chatflow-backend/internal/dispatch"
	"github.com/pagereach/chatflow-backend/internal/drip"
	"github.com/pagereach/chatflow-backend/internal/kv"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/ratelimit"
	"github.com/pagereach/chatflow-backend/internal/repository"
	"github.com/pagereach/chatflow-backend/internal/service"
	"github.com/pagereach/chatflow-backend/internal/trigger"
)

func main() {
	cfg := config.MustLoad()

	database := db.Init(cfg.DB)

	store := kv.NewRedis(redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer store.Close()

	contactRepo := &repository.ContactRepository{DB: database}
	pageRepo := &repository.PageRepository{DB: database}
	campaignRepo := &repository.CampaignRepository{DB: database}
	messageRepo := &repository.MessageRepository{DB: database}
	ticketRepo := &repository.TicketRepository{DB: database}

	conn, err := amqp.Dial(cfg.Queue.URL)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ:", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("Failed to open a channel:", err)
	}
	defer ch.Close()

	rq, err := queue.NewRabbitQueue(ch, cfg.Queue.Name)
	if err != nil {
		log.Fatal(err)
	}

	// Spread deliveries across the consumer pool.
	if err := ch.Qos(cfg.Queue.Concurrency, 0, false); err != nil {
		log.Fatal("Failed to set QoS:", err)
	}

	msgs, err := ch.Consume(
		cfg.Queue.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Fatal("Failed to register consumer:", err)
	}

	limiter := ratelimit.New(store, cfg.RateLimits)
	resolver := compliance.NewResolver(ticketRepo, store)

	dispatcher := &dispatch.Dispatcher{
		Contacts:  contactRepo,
		Pages:     pageRepo,
		Messages:  messageRepo,
		Tickets:   ticketRepo,
		Campaigns: campaignRepo,
		Resolver:  resolver,
		Limiter:   limiter,
		Sender:    &channel.MockSender{},
	}

	sequencer := &drip.Sequencer{
		KV:          store,
		Campaigns:   campaignRepo,
		Messages:    messageRepo,
		Queue:       rq,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	campaignService := &service.CampaignService{
		Campaigns: campaignRepo,
		Contacts:  contactRepo,
		Messages:  messageRepo,
		Queue:     rq,
		Limiter:   limiter,
		Drip:      sequencer,
		Triggers: &trigger.Evaluator{
			KV:          store,
			Queue:       rq,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
		AB: &abtest.Allocator{
			Messages:    messageRepo,
			Queue:       rq,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	worker := &service.Worker{
		Service:    campaignService,
		Dispatcher: dispatcher,
		Drip:       sequencer,
	}

	for i := 0; i < cfg.Queue.Concurrency; i++ {
		go consume(msgs, ch, cfg.Queue.Name, worker, cfg.Queue.MaxAttempts)
	}

	log.Println("Worker running, waiting for messages...")
	select {}
}

func consume(msgs <-chan amqp.Delivery, ch *amqp.Channel, queueName string, worker *service.Worker, maxAttempts int) {
	for d := range msgs {
		var job queue.Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			log.Println("Invalid job:", err)
			d.Ack(false)
			continue
		}

		if err := worker.Process(context.Background(), job); err != nil {
			log.Println("Failed to process job:", err)

			// A bare Nack redelivers with unchanged headers, so the retry
			// counter is carried by republishing instead.
			retries := deliveryRetries(d.Headers)
			if int(retries) < retryBudget(job.MaxAttempts, maxAttempts)-1 {
				if pubErr := ch.Publish("", queueName, false, false, retryPublishing(d, retries+1)); pubErr != nil {
					log.Println("Failed to requeue job:", pubErr)
					d.Nack(false, true)
					continue
				}
				d.Ack(false)
				continue
			}
			log.Printf("Job permanently failed after %d attempts: %+v", retryBudget(job.MaxAttempts, maxAttempts), job)
			// Count the recipient so the campaign can still complete.
			worker.Service.RecordBlocked(job.CampaignID)
		}

		d.Ack(false)
	}
}

// retryBudget picks the job's own attempt budget, falling back to the
// configured default.
func retryBudget(jobMax, defaultMax int) int {
	if jobMax >= 1 {
		return jobMax
	}
	return defaultMax
}

// deliveryRetries reads the retry counter stamped on a republished delivery.
// First deliveries carry no header.
func deliveryRetries(headers amqp.Table) int32 {
	v, _ := headers["x-retry-count"].(int32)
	return v
}

// retryPublishing rebuilds the delivery as a persistent publishing carrying
// the bumped retry counter.
func retryPublishing(d amqp.Delivery, retries int32) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-retry-count": retries},
		Body:         d.Body,
	}
}
