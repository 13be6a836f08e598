// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/pagereach/chatflow-backend/internal/channel"
	"github.com/pagereach/chatflow-backend/internal/compliance"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/ratelimit"
	"github.com/pagereach/chatflow-backend/internal/repository"
)

// SendRequest describes one outbound message: content plus the caller's
// compliance intent. CampaignID 0 means a direct (non-campaign) send.
type SendRequest struct {
	CampaignID int
	ContactID  int
	Content    model.MessageContent
	Variant    string

	// DripStep marks one step of a sequence. Step sends leave the recipient
	// counters alone; the sequencer counts the recipient once, when their
	// sequence finishes.
	DripStep bool

	Method         model.BypassMethod
	Tag            model.MessageTag
	TicketID       int
	SubscriptionID int
}

// Dispatcher turns an allowed send into a delivered (or failed) message:
// personalization, payload build, PENDING row, provider call, outcome
// bookkeeping. Retries belong to the job queue, not here.
type Dispatcher struct {
	Contacts  repository.ContactRepositoryInterface
	Pages     repository.PageRepositoryInterface
	Messages  repository.MessageRepositoryInterface
	Tickets   repository.TicketRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface

	Resolver *compliance.Resolver
	Limiter  *ratelimit.Limiter
	Sender   channel.Sender

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Send resolves compliance, consumes quota, and delivers. Validation,
// compliance and rate-limit errors surface before any side effect; provider
// errors after the message row is written.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	contact, err := d.Contacts.GetByID(req.ContactID)
	if err != nil {
		return nil, err
	}
	page, err := d.Pages.GetByID(contact.PageID)
	if err != nil {
		return nil, err
	}

	res, err := d.Resolver.Resolve(ctx, compliance.Request{
		Contact:        contact,
		Method:         req.Method,
		Tag:            req.Tag,
		TicketID:       req.TicketID,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		return nil, err
	}

	if st := d.Limiter.ConsumeMessageQuota(ctx, page.ID, page.WorkspaceID, contact.ID); !st.Allowed {
		return nil, appErrors.NewRateLimit(string(st.Tier), st.Limit, st.ResetAt)
	}

	content := RenderContent(req.Content, contact, page)
	destination, payload := buildPayload(res, contact, content)

	msg := &model.Message{
		CampaignID: req.CampaignID,
		ContactID:  contact.ID,
		PageID:     page.ID,
		Direction:  model.DirectionOutbound,
		Status:     model.MessagePending,
		Method:     res.Method,
		Tag:        res.Tag,
		Variant:    req.Variant,
		Text:       content.Text,
	}
	if res.Ticket != nil {
		msg.TicketID = &res.Ticket.ID
	}
	if res.Subscription != nil {
		msg.SubscriptionID = &res.Subscription.ID
	}
	if err := d.Messages.Create(msg); err != nil {
		return nil, err
	}

	providerID, sendErr := d.Sender.Send(ctx, destination, payload)
	if sendErr != nil {
		if err := d.Messages.MarkFailed(msg.ID, "PROVIDER_SEND_FAILED", sendErr.Error()); err != nil {
			log.Println("⚠️ failed to mark message failed:", err)
		}
		// No counter bump here: the queue retries this job, and a recipient
		// must not be counted once per attempt. The failure is recorded once
		// retries are exhausted.
		return nil, appErrors.NewProvider("PROVIDER_SEND_FAILED", sendErr)
	}

	if err := d.Messages.MarkSent(msg.ID, providerID); err != nil {
		log.Println("⚠️ failed to mark message sent:", err)
	}
	msg.Status = model.MessageSent
	msg.ProviderMessageID = providerID

	now := d.now()
	if err := d.Contacts.TouchOutbound(contact.ID, now); err != nil {
		log.Println("⚠️ failed to update last_outbound_at:", err)
	}
	d.Resolver.InvalidateWindow(ctx, contact.ID)

	if res.Ticket != nil {
		consumed, err := d.Tickets.ConsumeTicket(res.Ticket.ID)
		if err != nil {
			log.Println("⚠️ failed to consume ticket:", err)
		} else if !consumed {
			// Lost a race with a concurrent consumer; the message is already
			// out, so record it and move on.
			log.Printf("⚠️ ticket %d was consumed concurrently", res.Ticket.ID)
		}
	}
	if res.Subscription != nil {
		next := res.Subscription.Frequency.NextAfter(now)
		if err := d.Tickets.AdvanceSubscription(res.Subscription.ID, next); err != nil {
			log.Println("⚠️ failed to advance subscription:", err)
		}
	}

	if !req.DripStep {
		d.bumpCampaign(req.CampaignID, 1, 0)
	}
	return msg, nil
}

// bumpCampaign records an outcome on the campaign counters and applies the
// guarded auto-completion transition.
func (d *Dispatcher) bumpCampaign(campaignID, sentDelta, failedDelta int) {
	if campaignID == 0 {
		return
	}
	if err := d.Campaigns.IncrementCounters(campaignID, sentDelta, failedDelta); err != nil {
		log.Println("⚠️ failed to bump campaign counters:", err)
		return
	}
	done, err := d.Campaigns.MarkCompletedIfDone(campaignID)
	if err != nil {
		log.Println("⚠️ completion check failed:", err)
		return
	}
	if done {
		log.Println("✅ campaign completed:", campaignID)
	}
}

// Preview renders a campaign's base content for one contact without sending.
func (d *Dispatcher) Preview(ctx context.Context, campaignID, contactID int) (model.MessageContent, error) {
	campaign, err := d.Campaigns.GetByID(campaignID)
	if err != nil {
		return model.MessageContent{}, err
	}
	contact, err := d.Contacts.GetByID(contactID)
	if err != nil {
		return model.MessageContent{}, err
	}
	page, err := d.Pages.GetByID(contact.PageID)
	if err != nil {
		return model.MessageContent{}, err
	}
	return RenderContent(campaign.Content, contact, page), nil
}

func buildPayload(res *compliance.Resolution, contact *model.Contact, content model.MessageContent) (string, channel.Payload) {
	p := channel.Payload{Content: content}
	switch res.Method {
	case model.MethodWithinWindow:
		p.MessagingType = channel.TypeResponse
	case model.MethodTag:
		p.MessagingType = channel.TypeMessageTag
		p.Tag = res.Tag
	case model.MethodOTN:
		p.MessagingType = channel.TypeOneTimeNotif
		p.NotificationToken = res.Ticket.Token
	case model.MethodRecurring:
		p.MessagingType = channel.TypeRecurring
		p.NotificationToken = res.Subscription.Token
	}
	return contact.ChannelID, p
}
