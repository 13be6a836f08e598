package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagereach/chatflow-backend/internal/channel"
	"github.com/pagereach/chatflow-backend/internal/compliance"
	"github.com/pagereach/chatflow-backend/internal/config"
	"github.com/pagereach/chatflow-backend/internal/dispatch"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/ratelimit"
	"github.com/pagereach/chatflow-backend/internal/repository"
)

type onePage struct{}

func (onePage) GetByID(id int) (*model.Page, error) {
	return &model.Page{ID: id, WorkspaceID: 1, Name: "Test Page"}, nil
}

type recMessages struct {
	noopMessages
	created []*model.Message
	sent    int
	failed  int
	nextID  int
}

func (r *recMessages) Create(m *model.Message) error {
	r.nextID++
	m.ID = r.nextID
	r.created = append(r.created, m)
	return nil
}
func (r *recMessages) MarkSent(int, string) error           { r.sent++; return nil }
func (r *recMessages) MarkFailed(int, string, string) error { r.failed++; return nil }

type noopTickets struct{}

func (noopTickets) CreateTicket(*model.OneTimeTicket) error { return nil }
func (noopTickets) GetTicketByID(id int) (*model.OneTimeTicket, error) {
	return nil, appErrors.NewNotFound("ticket", id)
}
func (noopTickets) ConsumeTicket(int) (bool, error)                      { return false, nil }
func (noopTickets) ListTicketsByContact(int) ([]model.OneTimeTicket, error) { return nil, nil }
func (noopTickets) CreateSubscription(*model.RecurringSubscription) error   { return nil }
func (noopTickets) GetSubscriptionByID(id int) (*model.RecurringSubscription, error) {
	return nil, appErrors.NewNotFound("subscription", id)
}
func (noopTickets) UpdateSubscriptionStatus(int, model.SubscriptionStatus) error { return nil }
func (noopTickets) AdvanceSubscription(int, time.Time) error                     { return nil }

type flakySender struct {
	err   error
	calls int
}

func (s *flakySender) Send(context.Context, string, channel.Payload) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "mid.test", nil
}

var _ repository.PageRepositoryInterface = onePage{}

type workerFixture struct {
	worker    *Worker
	campaigns *memCampaigns
	contacts  *memContacts
	messages  *recMessages
	sender    *flakySender
	queue     *recordingQueue
}

func newWorker(campaigns *memCampaigns, contacts *memContacts) *workerFixture {
	svc, q, store := newService(campaigns, contacts)
	messages := &recMessages{}
	sender := &flakySender{}

	dispatcher := &dispatch.Dispatcher{
		Contacts:  contacts,
		Pages:     onePage{},
		Messages:  messages,
		Tickets:   noopTickets{},
		Campaigns: campaigns,
		Resolver:  compliance.NewResolver(noopTickets{}, store),
		Limiter: ratelimit.New(store, config.RateLimits{
			PagePerHour: 200, WorkspacePerHour: 1000, ContactPerMinute: 10, BulkPerMinute: 100,
		}),
		Sender: sender,
	}

	return &workerFixture{
		worker: &Worker{
			Service:    svc,
			Dispatcher: dispatcher,
			Drip:       svc.Drip,
			Sleep:      func(time.Duration) {},
		},
		campaigns: campaigns,
		contacts:  contacts,
		messages:  messages,
		sender:    sender,
		queue:     q,
	}
}

func inWindowContacts() *memContacts {
	recent := time.Now().Add(-2 * time.Hour)
	return &memContacts{contacts: []model.Contact{
		{ID: 1, PageID: 10, ChannelID: "psid-1", LastInboundAt: &recent},
	}}
}

func TestWorkerDropsMissingCampaign(t *testing.T) {
	f := newWorker(newMemCampaigns(), inWindowContacts())

	err := f.worker.Process(context.Background(), queue.Job{Type: queue.JobDirect, CampaignID: 99, ContactID: 1})
	assert.NoError(t, err)
	assert.Zero(t, f.sender.calls)
}

func TestWorkerDropsNonRunningCampaign(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusPaused, Content: model.MessageContent{Text: "hi"},
	}), inWindowContacts())

	err := f.worker.Process(context.Background(), queue.Job{Type: queue.JobDirect, CampaignID: 1, ContactID: 1})
	assert.NoError(t, err)
	assert.Zero(t, f.sender.calls)
	assert.Empty(t, f.messages.created)
}

func TestWorkerSendsDirectJob(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, TotalRecipients: 1,
		Content: model.MessageContent{Text: "hi"},
	}), inWindowContacts())

	err := f.worker.Process(context.Background(), queue.Job{Type: queue.JobDirect, CampaignID: 1, ContactID: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sender.calls)
	assert.Equal(t, 1, f.messages.sent)
	c := f.campaigns.byID[1]
	assert.Equal(t, 1, c.SentCount)
	// Last recipient done: the campaign auto-completed.
	assert.Equal(t, model.StatusCompleted, c.Status)
}

func TestWorkerComplianceBlockIsPermanent(t *testing.T) {
	// Contact outside the window, campaign carries no tag: never deliverable.
	stale := time.Now().Add(-48 * time.Hour)
	contacts := &memContacts{contacts: []model.Contact{
		{ID: 1, PageID: 10, ChannelID: "psid-1", LastInboundAt: &stale},
	}}
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, TotalRecipients: 1,
		Content: model.MessageContent{Text: "hi"},
	}), contacts)

	err := f.worker.Process(context.Background(), queue.Job{Type: queue.JobDirect, CampaignID: 1, ContactID: 1})
	// Acked, not retried.
	require.NoError(t, err)
	assert.Zero(t, f.sender.calls)

	// Counted as failed so completion still fires.
	c := f.campaigns.byID[1]
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, model.StatusCompleted, c.Status)
}

func TestWorkerProviderFailureRetries(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, TotalRecipients: 1,
		Content: model.MessageContent{Text: "hi"},
	}), inWindowContacts())
	f.sender.err = errors.New("network down")

	err := f.worker.Process(context.Background(), queue.Job{Type: queue.JobDirect, CampaignID: 1, ContactID: 1})
	require.Error(t, err)
	assert.True(t, appErrors.IsProvider(err))

	// Still running and uncounted: the queue will retry, and the attempt
	// must not burn the recipient's slot.
	assert.Equal(t, model.StatusRunning, f.campaigns.byID[1].Status)
	assert.Equal(t, 0, f.campaigns.byID[1].FailedCount)
	assert.Equal(t, 0, f.campaigns.byID[1].SentCount)
}

func TestWorkerDropsUnknownVariant(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning,
		Variants: []model.Variant{{Name: "A", Percentage: 100, Content: model.MessageContent{Text: "a"}}},
	}), inWindowContacts())

	err := f.worker.Process(context.Background(), queue.Job{
		Type: queue.JobABVariant, CampaignID: 1, ContactID: 1, Variant: "Z",
	})
	assert.NoError(t, err)
	assert.Zero(t, f.sender.calls)
}

func TestWorkerSendsVariantContent(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, TotalRecipients: 1,
		Variants: []model.Variant{
			{Name: "A", Percentage: 50, Content: model.MessageContent{Text: "variant a"}},
			{Name: "B", Percentage: 50, Content: model.MessageContent{Text: "variant b"}},
		},
	}), inWindowContacts())

	err := f.worker.Process(context.Background(), queue.Job{
		Type: queue.JobABVariant, CampaignID: 1, ContactID: 1, Variant: "B",
	})
	require.NoError(t, err)

	require.Len(t, f.messages.created, 1)
	assert.Equal(t, "variant b", f.messages.created[0].Text)
	assert.Equal(t, "B", f.messages.created[0].Variant)
}

func TestWorkerDripStepSkipsWhenNotCurrent(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, Kind: model.KindDrip,
		DripSteps: []model.DripStep{{}, {}},
	}), inWindowContacts())

	// Never enrolled: the scheduled step is silently dropped.
	err := f.worker.Process(context.Background(), queue.Job{
		Type: queue.JobDripStep, CampaignID: 1, ContactID: 1, Step: 0,
	})
	assert.NoError(t, err)
	assert.Zero(t, f.sender.calls)
}

func TestWorkerDripStepSendsAndAdvances(t *testing.T) {
	campaign := &model.Campaign{
		ID: 1, Status: model.StatusRunning, Kind: model.KindDrip,
		DripSteps: []model.DripStep{
			{Content: model.MessageContent{Text: "step 0"}},
			{DelayMinutes: 30, Content: model.MessageContent{Text: "step 1"}},
		},
	}
	f := newWorker(newMemCampaigns(campaign), inWindowContacts())
	ctx := context.Background()

	require.NoError(t, f.worker.Drip.Enroll(ctx, campaign, 1))

	err := f.worker.Process(ctx, queue.Job{Type: queue.JobDripStep, CampaignID: 1, ContactID: 1, Step: 0})
	require.NoError(t, err)

	require.Len(t, f.messages.created, 1)
	assert.Equal(t, "step 0", f.messages.created[0].Text)

	ok, err := f.worker.Drip.ShouldSend(ctx, 1, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkerDripDeliversEveryStep(t *testing.T) {
	campaign := &model.Campaign{
		ID: 1, Status: model.StatusRunning, Kind: model.KindDrip, TotalRecipients: 1,
		DripSteps: []model.DripStep{
			{Content: model.MessageContent{Text: "step 0"}},
			{DelayMinutes: 30, Content: model.MessageContent{Text: "step 1"}},
		},
	}
	f := newWorker(newMemCampaigns(campaign), inWindowContacts())
	ctx := context.Background()

	require.NoError(t, f.worker.Drip.Enroll(ctx, campaign, 1))
	require.NoError(t, f.worker.Process(ctx, queue.Job{Type: queue.JobDripStep, CampaignID: 1, ContactID: 1, Step: 0}))

	// The first step must not finish the campaign; step 1 is scheduled and
	// still deliverable.
	assert.Equal(t, model.StatusRunning, f.campaigns.byID[1].Status)
	require.NotEmpty(t, f.queue.jobs)
	last := f.queue.jobs[len(f.queue.jobs)-1]
	require.Equal(t, queue.JobDripStep, last.Type)
	require.Equal(t, 1, last.Step)

	require.NoError(t, f.worker.Process(ctx, last))
	assert.Equal(t, 2, f.sender.calls)
	require.Len(t, f.messages.created, 2)
	assert.Equal(t, "step 1", f.messages.created[1].Text)

	// Sequence finished: the recipient counted once, campaign completed.
	assert.Equal(t, 1, f.campaigns.byID[1].SentCount)
	assert.Equal(t, model.StatusCompleted, f.campaigns.byID[1].Status)
}

func TestWorkerHonorsNotBefore(t *testing.T) {
	var slept time.Duration
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, Content: model.MessageContent{Text: "hi"},
	}), inWindowContacts())
	f.worker.Sleep = func(d time.Duration) { slept = d }

	notBefore := time.Now().Add(2 * time.Minute).UnixMilli()
	err := f.worker.Process(context.Background(), queue.Job{
		Type: queue.JobDirect, CampaignID: 1, ContactID: 1, NotBefore: notBefore,
	})
	require.NoError(t, err)
	assert.Greater(t, slept, time.Minute)
}

func TestWorkerDropsUnknownJobType(t *testing.T) {
	f := newWorker(newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning,
	}), inWindowContacts())

	err := f.worker.Process(context.Background(), queue.Job{Type: "mystery", CampaignID: 1})
	assert.NoError(t, err)
}
