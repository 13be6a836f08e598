// internal/service/worker.go
package service

import (
	"context"
	"log"
	"time"

	"github.com/pagereach/chatflow-backend/internal/abtest"
	"github.com/pagereach/chatflow-backend/internal/dispatch"
	"github.com/pagereach/chatflow-backend/internal/drip"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
)

// Worker processes one queue job at a time: recheck, route, send. It is
// shared by the in-process queue subscriber and the RabbitMQ consumer.
type Worker struct {
	Service    *CampaignService
	Dispatcher *dispatch.Dispatcher
	Drip       *drip.Sequencer

	Sleep func(time.Duration) // swappable for tests; nil uses time.Sleep
}

func (w *Worker) sleep(d time.Duration) {
	if w.Sleep != nil {
		w.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Process handles a single job. A nil return acks the job; an error lets
// the queue retry it.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	if job.NotBefore > 0 {
		if wait := time.UnixMilli(job.NotBefore).Sub(time.Now()); wait > 0 {
			w.sleep(wait)
		}
	}

	campaign, err := w.Service.Campaigns.GetByID(job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Println("⚠️ job for missing campaign, dropping:", job.CampaignID)
			return nil
		}
		return err
	}

	// Cooperative cancellation: a paused or cancelled campaign's in-flight
	// jobs drop themselves here.
	if campaign.Status != model.StatusRunning {
		log.Printf("dropping job for campaign %d in status %s", campaign.ID, campaign.Status)
		return nil
	}

	switch job.Type {
	case queue.JobDirect, queue.JobTriggerFire:
		return w.send(ctx, campaign, job, campaign.Content, "")
	case queue.JobABVariant:
		content, err := abtest.VariantContent(campaign, job.Variant)
		if err != nil {
			log.Println("⚠️ job for unknown variant, dropping:", err)
			return nil
		}
		return w.send(ctx, campaign, job, content, job.Variant)
	case queue.JobDripStep:
		return w.processDripStep(ctx, campaign, job)
	}

	log.Println("⚠️ unknown job type, dropping:", job.Type)
	return nil
}

func (w *Worker) send(ctx context.Context, campaign *model.Campaign, job queue.Job, content model.MessageContent, variant string) error {
	req := dispatch.SendRequest{
		CampaignID: campaign.ID,
		ContactID:  job.ContactID,
		Content:    content,
		Variant:    variant,
		Tag:        campaign.Tag,
	}
	_, err := w.Dispatcher.Send(ctx, req)
	if err == nil {
		return nil
	}
	if permanent(err) {
		// Never deliverable: count against the campaign so completion still
		// fires, and do not retry.
		log.Println("⚠️ permanent send failure:", err)
		w.Service.RecordBlocked(campaign.ID)
		return nil
	}
	return err
}

func (w *Worker) processDripStep(ctx context.Context, campaign *model.Campaign, job queue.Job) error {
	if job.Step < 0 || job.Step >= len(campaign.DripSteps) {
		log.Println("⚠️ drip job with out-of-range step, dropping:", job.Step)
		return nil
	}

	ok, err := w.Drip.ShouldSend(ctx, campaign.ID, job.ContactID, job.Step)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	_, err = w.Dispatcher.Send(ctx, dispatch.SendRequest{
		CampaignID: campaign.ID,
		ContactID:  job.ContactID,
		Content:    campaign.DripSteps[job.Step].Content,
		DripStep:   true,
		Tag:        campaign.Tag,
	})
	if err != nil {
		if permanent(err) {
			// The recipient can never receive this step; take them out of
			// the sequence rather than stalling it forever.
			log.Println("⚠️ permanent drip send failure, removing recipient:", err)
			return w.Drip.Remove(ctx, campaign.ID, job.ContactID)
		}
		return err
	}

	return w.Drip.OnStepCompleted(ctx, campaign, job.ContactID, job.Step)
}

// permanent reports whether retrying the job could ever succeed.
func permanent(err error) bool {
	return appErrors.IsValidation(err) ||
		appErrors.IsCompliance(err) ||
		appErrors.IsState(err) ||
		appErrors.IsNotFound(err)
}
