// internal/service/campaign_service.go
package service

import (
	"context"
	"log"

	"github.com/pagereach/chatflow-backend/internal/abtest"
	"github.com/pagereach/chatflow-backend/internal/drip"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/ratelimit"
	"github.com/pagereach/chatflow-backend/internal/repository"
	"github.com/pagereach/chatflow-backend/internal/trigger"
)

// CampaignService owns the campaign lifecycle: creation, launch, pause,
// resume, cancel and the per-kind fan-out to the drip, trigger and A/B
// engines.
type CampaignService struct {
	Campaigns repository.CampaignRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Messages  repository.MessageRepositoryInterface

	Queue    queue.Queue
	Limiter  *ratelimit.Limiter
	Drip     *drip.Sequencer
	Triggers *trigger.Evaluator
	AB       *abtest.Allocator

	MaxAttempts int
}

// LaunchResult reports what a launch queued.
type LaunchResult struct {
	CampaignID int                  `json:"campaign_id"`
	Recipients int                  `json:"recipients"`
	Status     model.CampaignStatus `json:"status"`
}

// CampaignDetails is a campaign plus its per-status message counts.
type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

// CreateCampaign validates the kind-specific configuration and persists a
// draft.
func (s *CampaignService) CreateCampaign(c *model.Campaign) error {
	if c.Name == "" {
		return appErrors.NewValidation("campaign name is required")
	}
	switch c.Kind {
	case model.KindOneTime, model.KindScheduled, model.KindRecurring:
		if len(c.Variants) > 0 {
			if err := abtest.ValidateVariants(c.Variants); err != nil {
				return err
			}
		}
	case model.KindDrip:
		if len(c.DripSteps) == 0 {
			return appErrors.NewValidation("drip campaign requires at least one step")
		}
		for i, step := range c.DripSteps {
			switch step.Condition {
			case model.CondNone, model.CondReplied, model.CondNotReplied,
				model.CondClicked, model.CondNotClicked, "":
			default:
				return appErrors.NewValidation("step %d has unknown condition %q", i, step.Condition)
			}
		}
	case model.KindTrigger:
		if c.Trigger == nil || len(c.Trigger.Conditions) == 0 {
			return appErrors.NewValidation("trigger campaign requires at least one condition")
		}
	default:
		return appErrors.NewValidation("unknown campaign kind %q", c.Kind)
	}

	c.Status = model.StatusDraft
	return s.Campaigns.Create(c)
}

// Launch moves a draft or scheduled campaign to running and fans out the
// initial work for its kind.
func (s *CampaignService) Launch(ctx context.Context, campaignID int) (*LaunchResult, error) {
	campaign, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.StatusDraft && campaign.Status != model.StatusScheduled {
		return nil, appErrors.NewState("campaign %d cannot be launched from status %s", campaignID, campaign.Status)
	}

	audience, err := s.ResolveAudience(campaign)
	if err != nil {
		return nil, err
	}

	if campaign.Kind != model.KindTrigger && len(audience) > 0 {
		if st := s.Limiter.ConsumeBulkQuota(ctx, campaign.ID, len(audience)); !st.Allowed {
			return nil, appErrors.NewRateLimit(string(st.Tier), st.Limit, st.ResetAt)
		}
	}

	moved, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusDraft, model.StatusScheduled}, model.StatusRunning)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, appErrors.NewState("campaign %d was launched concurrently", campaignID)
	}
	campaign.Status = model.StatusRunning

	recipients := len(audience)
	if campaign.Kind == model.KindTrigger {
		recipients = 0
	}
	// The total must be on record before any job can finish, or the
	// completion check would reject every recipient it counts.
	if err := s.Campaigns.SetTotalRecipients(campaignID, recipients); err != nil {
		return nil, err
	}

	switch campaign.Kind {
	case model.KindTrigger:
		if err := s.Triggers.Activate(ctx, campaign); err != nil {
			return nil, err
		}
	case model.KindDrip:
		for _, contact := range audience {
			if err := s.Drip.Enroll(ctx, campaign, contact.ID); err != nil {
				log.Println("⚠️ failed to enroll contact in drip:", err)
			}
		}
	default:
		if len(campaign.Variants) > 0 {
			if err := s.AB.Launch(ctx, campaign, audience); err != nil {
				return nil, err
			}
			break
		}
		for _, contact := range audience {
			if err := s.Queue.Enqueue(ctx, queue.Job{
				Type:       queue.JobDirect,
				CampaignID: campaign.ID,
				ContactID:  contact.ID,
			}, 0, s.MaxAttempts); err != nil {
				log.Println("⚠️ failed to enqueue message for contact", contact.ID, ":", err)
			}
		}
	}

	return &LaunchResult{
		CampaignID: campaignID,
		Recipients: recipients,
		Status:     model.StatusRunning,
	}, nil
}

// Pause stops new sends. In-flight jobs are not recalled; they recheck the
// status and drop themselves.
func (s *CampaignService) Pause(ctx context.Context, campaignID int) error {
	campaign, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	moved, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusRunning}, model.StatusPaused)
	if err != nil {
		return err
	}
	if !moved {
		return appErrors.NewState("campaign %d cannot be paused from status %s", campaignID, campaign.Status)
	}
	if campaign.Kind == model.KindTrigger {
		return s.Triggers.Deactivate(ctx, campaign)
	}
	return nil
}

func (s *CampaignService) Resume(ctx context.Context, campaignID int) error {
	campaign, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	moved, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusPaused}, model.StatusRunning)
	if err != nil {
		return err
	}
	if !moved {
		return appErrors.NewState("campaign %d cannot be resumed from status %s", campaignID, campaign.Status)
	}
	if campaign.Kind == model.KindTrigger {
		return s.Triggers.Activate(ctx, campaign)
	}
	return nil
}

func (s *CampaignService) Cancel(ctx context.Context, campaignID int) error {
	campaign, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	moved, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusDraft, model.StatusScheduled, model.StatusRunning, model.StatusPaused},
		model.StatusCancelled)
	if err != nil {
		return err
	}
	if !moved {
		return appErrors.NewState("campaign %d cannot be cancelled from status %s", campaignID, campaign.Status)
	}
	if campaign.Kind == model.KindTrigger {
		return s.Triggers.Deactivate(ctx, campaign)
	}
	return nil
}

// ResolveAudience turns the campaign's audience descriptor into contacts:
// explicit ids win, then a tag filter, then the whole page.
func (s *CampaignService) ResolveAudience(campaign *model.Campaign) ([]model.Contact, error) {
	if len(campaign.Audience.ContactIDs) > 0 {
		return s.Contacts.ListByIDs(campaign.Audience.ContactIDs)
	}
	if campaign.Audience.Tag != "" {
		return s.Contacts.ListByTag(campaign.PageID, campaign.Audience.Tag)
	}
	return s.Contacts.ListByPage(campaign.PageID)
}

// RecordBlocked counts a permanently undeliverable recipient against the
// campaign so the completion invariant still holds, then applies the
// guarded completion transition.
func (s *CampaignService) RecordBlocked(campaignID int) {
	if campaignID == 0 {
		return
	}
	if err := s.Campaigns.IncrementCounters(campaignID, 0, 1); err != nil {
		log.Println("⚠️ failed to record blocked recipient:", err)
		return
	}
	if _, err := s.Campaigns.MarkCompletedIfDone(campaignID); err != nil {
		log.Println("⚠️ completion check failed:", err)
	}
}

// ListCampaigns fetches campaigns with pagination.
func (s *CampaignService) ListCampaigns(page, pageSize int, kind, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Campaigns.List(offset, pageSize, kind, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// DetailsWithStats fetches a campaign along with its per-status message
// counts.
func (s *CampaignService) DetailsWithStats(campaignID int) (*CampaignDetails, error) {
	campaign, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.Messages.StatusCounts(campaignID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	stats["total"] = total
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}
