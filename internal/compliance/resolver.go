// internal/compliance/resolver.go
package compliance

import (
	"context"
	"fmt"
	"log"
	"time"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/kv"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/repository"
)

const (
	// SessionWindow is the period after a contact's last inbound message
	// during which free-form replies are permitted.
	SessionWindow = 24 * time.Hour
	// HumanAgentWindow bounds the human-agent tag to 7 days after the last
	// inbound message.
	HumanAgentWindow = 7 * 24 * time.Hour

	windowCacheTTL = 60 * time.Second
)

func windowKey(contactID int) string {
	return fmt.Sprintf("window:%d", contactID)
}

// Request carries the caller's intent: an optional explicit method, tag,
// ticket or subscription to send under.
type Request struct {
	Contact        *model.Contact
	Method         model.BypassMethod
	Tag            model.MessageTag
	TicketID       int
	SubscriptionID int
}

// Resolution is the chosen send method plus whatever credential backs it.
type Resolution struct {
	Method       model.BypassMethod
	Tag          model.MessageTag
	Ticket       *model.OneTimeTicket
	Subscription *model.RecurringSubscription
}

// Resolver decides whether and how a message to a contact is currently
// allowed. Compliance violations always fail closed.
type Resolver struct {
	Tickets repository.TicketRepositoryInterface
	KV      kv.Store
	Now     func() time.Time
}

func NewResolver(tickets repository.TicketRepositoryInterface, store kv.Store) *Resolver {
	return &Resolver{Tickets: tickets, KV: store, Now: time.Now}
}

// Resolve applies the policy rules in order, first match wins.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	// 1. Caller specified a method explicitly.
	if req.Method != "" {
		return r.resolveExplicit(ctx, req)
	}

	// 2. Inside the session window.
	if r.InsideWindow(ctx, req.Contact) {
		return &Resolution{Method: model.MethodWithinWindow}, nil
	}

	// 3. A one-time ticket was requested.
	if req.TicketID != 0 {
		ticket, err := r.validTicket(req.TicketID, req.Contact.ID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Method: model.MethodOTN, Ticket: ticket}, nil
	}

	// 4. A recurring subscription was requested.
	if req.SubscriptionID != 0 {
		sub, err := r.validSubscription(req.SubscriptionID, req.Contact.ID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Method: model.MethodRecurring, Subscription: sub}, nil
	}

	// 5. A tag was specified.
	if req.Tag != "" {
		if err := r.validateTag(req.Tag, req.Contact); err != nil {
			return nil, err
		}
		return &Resolution{Method: model.MethodTag, Tag: req.Tag}, nil
	}

	// 6. Blocked.
	return nil, appErrors.NewCompliance(appErrors.CodeOutsideWindowNoBypass,
		"contact %d is outside the 24h session window and no ticket, subscription or tag was supplied",
		req.Contact.ID)
}

func (r *Resolver) resolveExplicit(ctx context.Context, req Request) (*Resolution, error) {
	switch req.Method {
	case model.MethodWithinWindow:
		return &Resolution{Method: model.MethodWithinWindow}, nil
	case model.MethodTag:
		if err := r.validateTag(req.Tag, req.Contact); err != nil {
			return nil, err
		}
		return &Resolution{Method: model.MethodTag, Tag: req.Tag}, nil
	case model.MethodOTN:
		ticket, err := r.validTicket(req.TicketID, req.Contact.ID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Method: model.MethodOTN, Ticket: ticket}, nil
	case model.MethodRecurring:
		sub, err := r.validSubscription(req.SubscriptionID, req.Contact.ID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Method: model.MethodRecurring, Subscription: sub}, nil
	}
	return nil, appErrors.NewValidation("unknown bypass method %q", req.Method)
}

func (r *Resolver) validTicket(ticketID, contactID int) (*model.OneTimeTicket, error) {
	if ticketID == 0 {
		return nil, appErrors.NewValidation("method otn requires a ticket id")
	}
	ticket, err := r.Tickets.GetTicketByID(ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.ContactID != contactID {
		return nil, appErrors.NewCompliance(appErrors.CodeTagNotAllowed,
			"ticket %d does not belong to contact %d", ticketID, contactID)
	}
	if ticket.IsUsed {
		return nil, appErrors.NewCompliance(appErrors.CodeTicketAlreadyUsed,
			"ticket %d has already been used", ticketID)
	}
	if ticket.OptedInAt == nil {
		return nil, appErrors.NewCompliance(appErrors.CodeTicketNotOptedIn,
			"ticket %d was never opted in", ticketID)
	}
	if !r.Now().Before(ticket.ExpiresAt) {
		return nil, appErrors.NewCompliance(appErrors.CodeTicketExpired,
			"ticket %d expired at %s", ticketID, ticket.ExpiresAt.Format(time.RFC3339))
	}
	return ticket, nil
}

func (r *Resolver) validSubscription(subID, contactID int) (*model.RecurringSubscription, error) {
	if subID == 0 {
		return nil, appErrors.NewValidation("method recurring requires a subscription id")
	}
	sub, err := r.Tickets.GetSubscriptionByID(subID)
	if err != nil {
		return nil, err
	}
	if sub.ContactID != contactID {
		return nil, appErrors.NewCompliance(appErrors.CodeSubscriptionInactive,
			"subscription %d does not belong to contact %d", subID, contactID)
	}
	now := r.Now()
	if sub.Status != model.SubActive || !now.Before(sub.ExpiresAt) {
		return nil, appErrors.NewCompliance(appErrors.CodeSubscriptionInactive,
			"subscription %d is not active", subID)
	}
	if now.Before(sub.NextAllowedAt) {
		return nil, appErrors.NewCompliance(appErrors.CodeSubscriptionTooSoon,
			"subscription %d allows the next send at %s", subID, sub.NextAllowedAt.Format(time.RFC3339))
	}
	return sub, nil
}

// validateTag checks structural tag compliance. Only the human-agent tag has
// a time rule; purpose compliance for the other tags is a policy matter this
// engine does not enforce.
func (r *Resolver) validateTag(tag model.MessageTag, contact *model.Contact) error {
	switch tag {
	case model.TagHumanAgent:
		if contact.LastInboundAt == nil || r.Now().Sub(*contact.LastInboundAt) >= HumanAgentWindow {
			return appErrors.NewCompliance(appErrors.CodeTagNotAllowed,
				"human-agent tag requires an inbound message from contact %d within the last 7 days", contact.ID)
		}
		return nil
	case model.TagEventUpdate, model.TagPurchaseUpdate, model.TagAccountUpdate:
		return nil
	case "":
		return appErrors.NewValidation("method tag requires a message tag")
	}
	return appErrors.NewValidation("unknown message tag %q", tag)
}

// InsideWindow reports whether the contact is within the session window,
// consulting a short-lived cache first. Cache failures fall back to
// computing from the contact record.
func (r *Resolver) InsideWindow(ctx context.Context, contact *model.Contact) bool {
	key := windowKey(contact.ID)
	if cached, ok, err := r.KV.Get(ctx, key); err == nil && ok {
		return cached == "1"
	} else if err != nil {
		log.Println("⚠️ window cache read failed:", err)
	}

	inside := contact.LastInboundAt != nil && r.Now().Sub(*contact.LastInboundAt) < SessionWindow

	val := "0"
	if inside {
		val = "1"
	}
	if err := r.KV.Set(ctx, key, val, windowCacheTTL); err != nil {
		log.Println("⚠️ window cache write failed:", err)
	}
	return inside
}

// InvalidateWindow drops the cached window status; called after every
// successful send to the contact.
func (r *Resolver) InvalidateWindow(ctx context.Context, contactID int) {
	if err := r.KV.Delete(ctx, windowKey(contactID)); err != nil {
		log.Println("⚠️ window cache invalidate failed:", err)
	}
}
