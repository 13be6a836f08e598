// internal/drip/sequencer.go
package drip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/kv"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/repository"
)

const (
	progressTTL = 30 * 24 * time.Hour
	// historyWindow bounds how far back step conditions look at message
	// history.
	historyWindow = 7 * 24 * time.Hour
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRemoved   Status = "removed"
	StatusPaused    Status = "paused"
)

// Progress is the per-(campaign, contact) drip state machine record.
// CurrentStep never decreases; completed and removed are absorbing.
type Progress struct {
	CampaignID  int       `json:"campaign_id"`
	ContactID   int       `json:"contact_id"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	Status      Status    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary aggregates a campaign's drip progress across all recipients.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	ByStep   map[int]int    `json:"by_step"`
}

// Sequencer drives the multi-step drip state machine. The design assumes at
// most one step in flight per recipient: step N+1 is only scheduled once
// step N completes.
type Sequencer struct {
	KV        kv.Store
	Campaigns repository.CampaignRepositoryInterface
	Messages  repository.MessageRepositoryInterface
	Queue     queue.Queue

	MaxAttempts int
	Now         func() time.Time
}

func (s *Sequencer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func progressKey(campaignID, contactID int) string {
	return fmt.Sprintf("drip:progress:%d:%d", campaignID, contactID)
}

func (s *Sequencer) load(ctx context.Context, campaignID, contactID int) (*Progress, error) {
	raw, ok, err := s.KV.Get(ctx, progressKey(campaignID, contactID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Sequencer) save(ctx context.Context, p *Progress) error {
	p.UpdatedAt = s.now()
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.KV.Set(ctx, progressKey(p.CampaignID, p.ContactID), string(raw), progressTTL)
}

// Enroll puts a contact at step 0 of a drip campaign and schedules the
// first step after its configured delay.
func (s *Sequencer) Enroll(ctx context.Context, campaign *model.Campaign, contactID int) error {
	if campaign.Kind != model.KindDrip {
		return appErrors.NewValidation("campaign %d is not a drip campaign", campaign.ID)
	}
	if len(campaign.DripSteps) == 0 {
		return appErrors.NewValidation("drip campaign %d has no steps", campaign.ID)
	}

	p := &Progress{
		CampaignID:  campaign.ID,
		ContactID:   contactID,
		CurrentStep: 0,
		TotalSteps:  len(campaign.DripSteps),
		Status:      StatusActive,
	}
	if err := s.save(ctx, p); err != nil {
		return err
	}
	return s.scheduleStep(ctx, campaign, contactID, 0)
}

func (s *Sequencer) scheduleStep(ctx context.Context, campaign *model.Campaign, contactID, step int) error {
	delay := time.Duration(campaign.DripSteps[step].DelayMinutes) * time.Minute
	return s.Queue.Enqueue(ctx, queue.Job{
		Type:       queue.JobDripStep,
		CampaignID: campaign.ID,
		ContactID:  contactID,
		Step:       step,
	}, delay, s.MaxAttempts)
}

// ShouldSend is the pre-send recheck the worker runs for a scheduled step:
// a step scheduled before the recipient was removed or completed is
// silently dropped.
func (s *Sequencer) ShouldSend(ctx context.Context, campaignID, contactID, step int) (bool, error) {
	p, err := s.load(ctx, campaignID, contactID)
	if err != nil {
		return false, err
	}
	if p == nil || p.Status != StatusActive {
		return false, nil
	}
	return p.CurrentStep == step, nil
}

// OnStepCompleted advances the state machine after a step's send finished.
// The cursor moves forward through condition-failed steps in a bounded loop,
// never past the sequence length and never backwards.
func (s *Sequencer) OnStepCompleted(ctx context.Context, campaign *model.Campaign, contactID, step int) error {
	p, err := s.load(ctx, campaign.ID, contactID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != StatusActive {
		return nil
	}

	next := step + 1
	for {
		if next >= p.TotalSteps {
			p.Status = StatusCompleted
			if err := s.save(ctx, p); err != nil {
				return err
			}
			// The recipient counts against the campaign exactly once, when
			// their sequence finishes.
			if err := s.Campaigns.IncrementCounters(campaign.ID, 1, 0); err != nil {
				log.Println("⚠️ failed to bump campaign counters:", err)
			}
			return s.checkCampaignDone(ctx, campaign.ID)
		}

		met, err := s.conditionMet(ctx, campaign.DripSteps[next].Condition, contactID)
		if err != nil {
			return err
		}
		p.CurrentStep = next
		if met {
			if err := s.save(ctx, p); err != nil {
				return err
			}
			return s.scheduleStep(ctx, campaign, contactID, next)
		}
		// Condition failed: advance the cursor without sending and look at
		// the following step.
		next++
	}
}

// Remove takes a contact out of the drip. Idempotent; completed stays
// completed. Any already-scheduled step is dropped by ShouldSend.
func (s *Sequencer) Remove(ctx context.Context, campaignID, contactID int) error {
	p, err := s.load(ctx, campaignID, contactID)
	if err != nil {
		return err
	}
	if p == nil || p.Status == StatusCompleted || p.Status == StatusRemoved {
		return nil
	}
	p.Status = StatusRemoved
	if err := s.save(ctx, p); err != nil {
		return err
	}
	// Removing the last active recipient finishes the campaign too.
	return s.checkCampaignDone(ctx, campaignID)
}

// Pause and Resume flip a recipient between paused and active. Absorbing
// states are untouched.
func (s *Sequencer) Pause(ctx context.Context, campaignID, contactID int) error {
	return s.setStatus(ctx, campaignID, contactID, StatusActive, StatusPaused)
}

func (s *Sequencer) Resume(ctx context.Context, campaignID, contactID int) error {
	return s.setStatus(ctx, campaignID, contactID, StatusPaused, StatusActive)
}

func (s *Sequencer) setStatus(ctx context.Context, campaignID, contactID int, from, to Status) error {
	p, err := s.load(ctx, campaignID, contactID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != from {
		return nil
	}
	p.Status = to
	return s.save(ctx, p)
}

func (s *Sequencer) conditionMet(ctx context.Context, cond model.StepCondition, contactID int) (bool, error) {
	since := s.now().Add(-historyWindow)
	switch cond {
	case model.CondNone, "":
		return true, nil
	case model.CondReplied:
		n, err := s.Messages.CountInboundSince(contactID, since)
		return n > 0, err
	case model.CondNotReplied:
		n, err := s.Messages.CountInboundSince(contactID, since)
		return n == 0, err
	case model.CondClicked:
		n, err := s.Messages.CountClicksSince(contactID, since)
		return n > 0, err
	case model.CondNotClicked:
		n, err := s.Messages.CountClicksSince(contactID, since)
		return n == 0, err
	}
	return false, appErrors.NewValidation("unknown drip condition %q", cond)
}

// checkCampaignDone completes the campaign once no recipient is still
// active. The status flip itself is a guarded conditional update.
func (s *Sequencer) checkCampaignDone(ctx context.Context, campaignID int) error {
	summary, err := s.Progress(ctx, campaignID)
	if err != nil {
		return err
	}
	if summary.ByStatus[StatusActive] > 0 || summary.ByStatus[StatusPaused] > 0 {
		return nil
	}
	moved, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusRunning}, model.StatusCompleted)
	if err != nil {
		return err
	}
	if moved {
		log.Println("✅ drip campaign completed:", campaignID)
	}
	return nil
}

// Progress aggregates counts by status and by current step across all
// recipients of a campaign.
func (s *Sequencer) Progress(ctx context.Context, campaignID int) (*Summary, error) {
	keys, err := s.KV.Keys(ctx, fmt.Sprintf("drip:progress:%d:*", campaignID))
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		ByStatus: make(map[Status]int),
		ByStep:   make(map[int]int),
	}
	for _, key := range keys {
		raw, ok, err := s.KV.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var p Progress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		summary.Total++
		summary.ByStatus[p.Status]++
		summary.ByStep[p.CurrentStep]++
	}
	return summary, nil
}
