// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/pagereach/chatflow-backend/internal/abtest"
	"github.com/pagereach/chatflow-backend/internal/channel"
	"github.com/pagereach/chatflow-backend/internal/compliance"
	"github.com/pagereach/chatflow-backend/internal/config"
	"github.com/pagereach/chatflow-backend/internal/controller"
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

	// Prefer the broker; fall back to the in-process queue so the server
	// still works standalone in development.
	var q queue.Queue
	var memQueue *queue.InMemoryQueue
	conn, err := amqp.Dial(cfg.Queue.URL)
	if err != nil {
		log.Println("⚠️ RabbitMQ unavailable, using in-process queue:", err)
		memQueue = queue.NewInMemoryQueue()
		q = memQueue
	} else {
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
		q = rq
		log.Println("✅ Connected to RabbitMQ")
	}

	resolver := compliance.NewResolver(ticketRepo, store)
	limiter := ratelimit.New(store, cfg.RateLimits)

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
		Queue:       q,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	evaluator := &trigger.Evaluator{
		KV:          store,
		Queue:       q,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	allocator := &abtest.Allocator{
		Messages:    messageRepo,
		Queue:       q,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	campaignService := &service.CampaignService{
		Campaigns:   campaignRepo,
		Contacts:    contactRepo,
		Messages:    messageRepo,
		Queue:       q,
		Limiter:     limiter,
		Drip:        sequencer,
		Triggers:    evaluator,
		AB:          allocator,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	if memQueue != nil {
		worker := &service.Worker{
			Service:    campaignService,
			Dispatcher: dispatcher,
			Drip:       sequencer,
		}
		memQueue.OnDrop = func(job queue.Job) {
			campaignService.RecordBlocked(job.CampaignID)
		}
		memQueue.Subscribe(func(job queue.Job) error {
			return worker.Process(context.Background(), job)
		})
	}

	campaignController := &controller.CampaignController{
		Service:    campaignService,
		Dispatcher: dispatcher,
		Drip:       sequencer,
		AB:         allocator,
	}
	engineController := &controller.EngineController{
		Contacts:   contactRepo,
		Tickets:    ticketRepo,
		Triggers:   evaluator,
		Dispatcher: dispatcher,
	}

	r := chi.NewRouter()

	// Campaign routes
	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns", campaignController.ListCampaigns)
	r.Get("/campaigns/{id}", campaignController.GetCampaign)
	r.Post("/campaigns/{id}/launch", campaignController.LaunchCampaign)
	r.Post("/campaigns/{id}/pause", campaignController.PauseCampaign)
	r.Post("/campaigns/{id}/resume", campaignController.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", campaignController.CancelCampaign)
	r.Post("/campaigns/{id}/personalized-preview", campaignController.PersonalizedPreview)
	r.Get("/campaigns/{id}/drip-progress", campaignController.DripProgress)
	r.Post("/campaigns/{id}/drip-remove", campaignController.RemoveFromDrip)
	r.Get("/campaigns/{id}/ab-results", campaignController.ABResults)
	r.Post("/campaigns/{id}/send-winner", campaignController.SendWinner)

	// Engine routes
	r.Post("/events", engineController.IngestEvent)
	r.Post("/tickets", engineController.IssueTicket)
	r.Get("/contacts/{id}/tickets", engineController.ListTickets)
	r.Post("/subscriptions", engineController.CreateSubscription)
	r.Post("/subscriptions/{id}/cancel", engineController.CancelSubscription)
	r.Post("/messages/send", engineController.SendMessage)

	log.Println("🚀 Server running on", cfg.HTTPAddr)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
