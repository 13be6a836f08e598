package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagereach/chatflow-backend/internal/abtest"
	"github.com/pagereach/chatflow-backend/internal/config"
	"github.com/pagereach/chatflow-backend/internal/drip"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/kv"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/ratelimit"
	"github.com/pagereach/chatflow-backend/internal/repository"
	"github.com/pagereach/chatflow-backend/internal/trigger"
)

// ---- hand mocks ----

type memCampaigns struct {
	byID   map[int]*model.Campaign
	nextID int
}

func newMemCampaigns(campaigns ...*model.Campaign) *memCampaigns {
	m := &memCampaigns{byID: map[int]*model.Campaign{}}
	for _, c := range campaigns {
		m.byID[c.ID] = c
		if c.ID > m.nextID {
			m.nextID = c.ID
		}
	}
	return m
}

func (m *memCampaigns) Create(c *model.Campaign) error {
	m.nextID++
	c.ID = m.nextID
	m.byID[c.ID] = c
	return nil
}

func (m *memCampaigns) GetByID(id int) (*model.Campaign, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, appErrors.NewNotFound("campaign", id)
	}
	copied := *c
	return &copied, nil
}

func (m *memCampaigns) List(int, int, string, string) ([]*model.Campaign, int, error) {
	out := make([]*model.Campaign, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out, len(out), nil
}

func (m *memCampaigns) TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	c, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memCampaigns) SetTotalRecipients(id, total int) error {
	if c, ok := m.byID[id]; ok {
		c.TotalRecipients = total
	}
	return nil
}

func (m *memCampaigns) IncrementCounters(id, sentDelta, failedDelta int) error {
	if c, ok := m.byID[id]; ok {
		c.SentCount += sentDelta
		c.FailedCount += failedDelta
	}
	return nil
}

func (m *memCampaigns) MarkCompletedIfDone(id int) (bool, error) {
	c, ok := m.byID[id]
	if !ok || c.Status != model.StatusRunning {
		return false, nil
	}
	if c.TotalRecipients > 0 && c.SentCount+c.FailedCount >= c.TotalRecipients {
		c.Status = model.StatusCompleted
		return true, nil
	}
	return false, nil
}

type memContacts struct {
	contacts []model.Contact
}

func (m *memContacts) GetByID(id int) (*model.Contact, error) {
	for i := range m.contacts {
		if m.contacts[i].ID == id {
			return &m.contacts[i], nil
		}
	}
	return nil, appErrors.NewNotFound("contact", id)
}
func (m *memContacts) ListByPage(int) ([]model.Contact, error) { return m.contacts, nil }
func (m *memContacts) ListByTag(_ int, tag string) ([]model.Contact, error) {
	out := []model.Contact{}
	for _, c := range m.contacts {
		for _, t := range c.Tags {
			if t == tag {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}
func (m *memContacts) ListByIDs(ids []int) ([]model.Contact, error) {
	out := []model.Contact{}
	for _, id := range ids {
		for _, c := range m.contacts {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}
func (m *memContacts) TouchInbound(int, time.Time) error  { return nil }
func (m *memContacts) TouchOutbound(int, time.Time) error { return nil }

type noopMessages struct{}

func (noopMessages) Create(*model.Message) error                        { return nil }
func (noopMessages) GetByID(int) (*model.Message, error)                { return nil, nil }
func (noopMessages) MarkSent(int, string) error                         { return nil }
func (noopMessages) MarkFailed(int, string, string) error               { return nil }
func (noopMessages) StatusCounts(int) (map[string]int, error) {
	return map[string]int{"sent": 3, "failed": 1}, nil
}
func (noopMessages) CountInboundSince(int, time.Time) (int, error)      { return 0, nil }
func (noopMessages) CountClicksSince(int, time.Time) (int, error)       { return 0, nil }
func (noopMessages) ContactIDsWithMessages(int) ([]int, error)          { return nil, nil }
func (noopMessages) VariantStats(int) ([]repository.VariantStat, error) { return nil, nil }

type recordingQueue struct {
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job, _ time.Duration, _ int) error {
	q.jobs = append(q.jobs, job)
	return nil
}
func (q *recordingQueue) Pause(context.Context) error  { return nil }
func (q *recordingQueue) Resume(context.Context) error { return nil }

// syncQueue simulates workers so fast that every job finishes before
// Enqueue returns.
type syncQueue struct {
	campaigns *memCampaigns
}

func (q *syncQueue) Enqueue(_ context.Context, job queue.Job, _ time.Duration, _ int) error {
	if err := q.campaigns.IncrementCounters(job.CampaignID, 1, 0); err != nil {
		return err
	}
	_, err := q.campaigns.MarkCompletedIfDone(job.CampaignID)
	return err
}
func (q *syncQueue) Pause(context.Context) error  { return nil }
func (q *syncQueue) Resume(context.Context) error { return nil }

// ---- fixture ----

func newService(campaigns *memCampaigns, contacts *memContacts) (*CampaignService, *recordingQueue, *kv.Memory) {
	q := &recordingQueue{}
	store := kv.NewMemory()
	limiter := ratelimit.New(store, config.RateLimits{
		PagePerHour: 200, WorkspacePerHour: 1000, ContactPerMinute: 10, BulkPerMinute: 100,
	})

	svc := &CampaignService{
		Campaigns: campaigns,
		Contacts:  contacts,
		Messages:  noopMessages{},
		Queue:     q,
		Limiter:   limiter,
		Drip: &drip.Sequencer{
			KV: store, Campaigns: campaigns, Messages: noopMessages{}, Queue: q, MaxAttempts: 3,
		},
		Triggers:    &trigger.Evaluator{KV: store, Queue: q, MaxAttempts: 3},
		AB:          &abtest.Allocator{Messages: noopMessages{}, Queue: q, MaxAttempts: 3},
		MaxAttempts: 3,
	}
	return svc, q, store
}

func threeContacts() *memContacts {
	return &memContacts{contacts: []model.Contact{
		{ID: 1, PageID: 10, Tags: []string{"vip"}},
		{ID: 2, PageID: 10},
		{ID: 3, PageID: 10},
	}}
}

// ---- tests ----

func TestCreateCampaignValidation(t *testing.T) {
	svc, _, _ := newService(newMemCampaigns(), threeContacts())

	err := svc.CreateCampaign(&model.Campaign{Kind: model.KindOneTime})
	assert.True(t, appErrors.IsValidation(err), "missing name")

	err = svc.CreateCampaign(&model.Campaign{Name: "x", Kind: model.CampaignKind("blast")})
	assert.True(t, appErrors.IsValidation(err), "unknown kind")

	err = svc.CreateCampaign(&model.Campaign{Name: "x", Kind: model.KindDrip})
	assert.True(t, appErrors.IsValidation(err), "drip without steps")

	err = svc.CreateCampaign(&model.Campaign{Name: "x", Kind: model.KindTrigger})
	assert.True(t, appErrors.IsValidation(err), "trigger without conditions")

	err = svc.CreateCampaign(&model.Campaign{
		Name: "x", Kind: model.KindOneTime,
		Variants: []model.Variant{{Name: "A", Percentage: 70}, {Name: "B", Percentage: 40}},
	})
	assert.True(t, appErrors.IsValidation(err), "variants not summing to 100")

	c := &model.Campaign{Name: "ok", Kind: model.KindOneTime, Content: model.MessageContent{Text: "hi"}}
	require.NoError(t, svc.CreateCampaign(c))
	assert.Equal(t, model.StatusDraft, c.Status)
	assert.NotZero(t, c.ID)
}

func TestLaunchFansOutDirectJobs(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusDraft,
		Content: model.MessageContent{Text: "hi"},
	})
	svc, q, _ := newService(campaigns, threeContacts())

	result, err := svc.Launch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Recipients)
	assert.Equal(t, model.StatusRunning, result.Status)

	require.Len(t, q.jobs, 3)
	for _, job := range q.jobs {
		assert.Equal(t, queue.JobDirect, job.Type)
		assert.Equal(t, 1, job.CampaignID)
	}
	assert.Equal(t, 3, campaigns.byID[1].TotalRecipients)
	assert.Equal(t, model.StatusRunning, campaigns.byID[1].Status)
}

func TestLaunchTagAudience(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusDraft,
		Audience: model.Audience{Tag: "vip"},
		Content:  model.MessageContent{Text: "hi"},
	})
	svc, q, _ := newService(campaigns, threeContacts())

	result, err := svc.Launch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recipients)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, 1, q.jobs[0].ContactID)
}

func TestLaunchSetsTotalBeforeFanOut(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusDraft,
		Content: model.MessageContent{Text: "hi"},
	})
	svc, _, _ := newService(campaigns, threeContacts())
	svc.Queue = &syncQueue{campaigns: campaigns}

	_, err := svc.Launch(context.Background(), 1)
	require.NoError(t, err)

	// Every job finished before Launch returned. The completion check must
	// have seen the recipient total, or the campaign would be stuck running
	// with nothing left to re-evaluate it.
	c := campaigns.byID[1]
	assert.Equal(t, 3, c.TotalRecipients)
	assert.Equal(t, model.StatusCompleted, c.Status)
}

func TestLaunchOnlyFromDraftOrScheduled(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusRunning,
	})
	svc, _, _ := newService(campaigns, threeContacts())

	_, err := svc.Launch(context.Background(), 1)
	assert.True(t, appErrors.IsState(err))
}

func TestLaunchBulkQuotaBlocks(t *testing.T) {
	contacts := &memContacts{}
	for i := 1; i <= 150; i++ {
		contacts.contacts = append(contacts.contacts, model.Contact{ID: i, PageID: 10})
	}
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusDraft,
	})
	svc, q, _ := newService(campaigns, contacts)

	_, err := svc.Launch(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, appErrors.IsRateLimit(err))

	// Blocked before the transition: still draft, nothing enqueued.
	assert.Equal(t, model.StatusDraft, campaigns.byID[1].Status)
	assert.Empty(t, q.jobs)
}

func TestLaunchDripEnrollsEveryone(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindDrip, Status: model.StatusDraft,
		DripSteps: []model.DripStep{{DelayMinutes: 0}, {DelayMinutes: 60}},
	})
	svc, q, _ := newService(campaigns, threeContacts())

	result, err := svc.Launch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Recipients)

	require.Len(t, q.jobs, 3)
	for _, job := range q.jobs {
		assert.Equal(t, queue.JobDripStep, job.Type)
		assert.Equal(t, 0, job.Step)
	}
}

func TestLaunchTriggerActivatesWithoutRecipients(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, WorkspaceID: 5, PageID: 10, Kind: model.KindTrigger, Status: model.StatusDraft,
		Trigger: &model.TriggerConfig{
			Conditions: []model.TriggerCondition{{Type: model.TriggerNewContact}},
		},
	})
	svc, q, store := newService(campaigns, threeContacts())

	result, err := svc.Launch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Recipients)
	assert.Empty(t, q.jobs)

	members, err := store.SMembers(context.Background(), "trigger:index:5")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
}

func TestLaunchABVariants(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusDraft,
		Variants: []model.Variant{
			{Name: "A", Percentage: 50, Content: model.MessageContent{Text: "a"}},
			{Name: "B", Percentage: 50, Content: model.MessageContent{Text: "b"}},
		},
	})
	svc, q, _ := newService(campaigns, threeContacts())

	_, err := svc.Launch(context.Background(), 1)
	require.NoError(t, err)

	require.Len(t, q.jobs, 3)
	for _, job := range q.jobs {
		assert.Equal(t, queue.JobABVariant, job.Type)
		assert.NotEmpty(t, job.Variant)
	}
}

func TestPauseResumeCancelGuards(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, PageID: 10, Kind: model.KindOneTime, Status: model.StatusRunning,
	})
	svc, _, _ := newService(campaigns, threeContacts())
	ctx := context.Background()

	require.NoError(t, svc.Pause(ctx, 1))
	assert.Equal(t, model.StatusPaused, campaigns.byID[1].Status)

	// Pausing a paused campaign is an illegal transition.
	assert.True(t, appErrors.IsState(svc.Pause(ctx, 1)))

	require.NoError(t, svc.Resume(ctx, 1))
	assert.Equal(t, model.StatusRunning, campaigns.byID[1].Status)

	require.NoError(t, svc.Cancel(ctx, 1))
	assert.Equal(t, model.StatusCancelled, campaigns.byID[1].Status)

	// Terminal states stay terminal.
	assert.True(t, appErrors.IsState(svc.Resume(ctx, 1)))
	assert.True(t, appErrors.IsState(svc.Cancel(ctx, 1)))
}

func TestTriggerPauseDeactivates(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, WorkspaceID: 5, PageID: 10, Kind: model.KindTrigger, Status: model.StatusDraft,
		Trigger: &model.TriggerConfig{
			Conditions: []model.TriggerCondition{{Type: model.TriggerNewContact}},
		},
	})
	svc, _, store := newService(campaigns, threeContacts())
	ctx := context.Background()

	_, err := svc.Launch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, svc.Pause(ctx, 1))

	members, _ := store.SMembers(ctx, "trigger:index:5")
	assert.Empty(t, members)

	require.NoError(t, svc.Resume(ctx, 1))
	members, _ = store.SMembers(ctx, "trigger:index:5")
	assert.Equal(t, []string{"1"}, members)
}

func TestRecordBlockedDrivesCompletion(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{
		ID: 1, Status: model.StatusRunning, TotalRecipients: 2, SentCount: 1,
	})
	svc, _, _ := newService(campaigns, threeContacts())

	svc.RecordBlocked(1)

	c := campaigns.byID[1]
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, model.StatusCompleted, c.Status)
}

func TestDetailsWithStats(t *testing.T) {
	campaigns := newMemCampaigns(&model.Campaign{ID: 1, Name: "x", Status: model.StatusRunning})
	svc, _, _ := newService(campaigns, threeContacts())

	details, err := svc.DetailsWithStats(1)
	require.NoError(t, err)
	assert.Equal(t, "x", details.Name)
	assert.Equal(t, 3, details.Stats["sent"])
	assert.Equal(t, 4, details.Stats["total"])
}
