// internal/controller/engine_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pagereach/chatflow-backend/internal/dispatch"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/repository"
	"github.com/pagereach/chatflow-backend/internal/trigger"
)

// EngineController exposes the non-campaign surfaces: contact events,
// opt-in tickets, recurring subscriptions and one-off sends.
type EngineController struct {
	Contacts   repository.ContactRepositoryInterface
	Tickets    repository.TicketRepositoryInterface
	Triggers   *trigger.Evaluator
	Dispatcher *dispatch.Dispatcher
}

// IngestEvent records a contact activity event and evaluates it against the
// workspace's active trigger campaigns.
func (c *EngineController) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID int                        `json:"workspace_id"`
		ContactID   int                        `json:"contact_id"`
		Type        model.TriggerConditionType `json:"type"`
		Tag         string                     `json:"tag"`
		Field       string                     `json:"field"`
		Value       string                     `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Type == "" {
		writeError(w, appErrors.NewValidation("event type is required"))
		return
	}

	contact, err := c.Contacts.GetByID(body.ContactID)
	if err != nil {
		writeError(w, err)
		return
	}

	fired, err := c.Triggers.EvaluateEvent(r.Context(), body.WorkspaceID, contact, trigger.Event{
		Type:  body.Type,
		Tag:   body.Tag,
		Field: body.Field,
		Value: body.Value,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"contact_id":      body.ContactID,
		"fired_campaigns": fired,
	})
}

// IssueTicket records a contact's one-time notification opt-in.
func (c *EngineController) IssueTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactID      int `json:"contact_id"`
		PageID         int `json:"page_id"`
		ExpiresInHours int `json:"expires_in_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.ContactID == 0 || body.PageID == 0 {
		writeError(w, appErrors.NewValidation("contact_id and page_id are required"))
		return
	}
	if body.ExpiresInHours <= 0 {
		body.ExpiresInHours = 24 * 365
	}

	if _, err := c.Contacts.GetByID(body.ContactID); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	ticket := &model.OneTimeTicket{
		ContactID: body.ContactID,
		PageID:    body.PageID,
		Token:     "otn." + uuid.NewString(),
		OptedInAt: &now,
		ExpiresAt: now.Add(time.Duration(body.ExpiresInHours) * time.Hour),
	}
	if err := c.Tickets.CreateTicket(ticket); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ticket)
}

// ListTickets returns a contact's one-time tickets, unused and used alike.
func (c *EngineController) ListTickets(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid contact id", http.StatusBadRequest)
		return
	}
	if _, err := c.Contacts.GetByID(id); err != nil {
		writeError(w, err)
		return
	}
	tickets, err := c.Tickets.ListTicketsByContact(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"contact_id": id, "tickets": tickets})
}

// CreateSubscription records a recurring notification opt-in. It starts
// active and immediately eligible.
func (c *EngineController) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactID     int                         `json:"contact_id"`
		PageID        int                         `json:"page_id"`
		Frequency     model.SubscriptionFrequency `json:"frequency"`
		ExpiresInDays int                         `json:"expires_in_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.ContactID == 0 || body.PageID == 0 {
		writeError(w, appErrors.NewValidation("contact_id and page_id are required"))
		return
	}
	switch body.Frequency {
	case model.FreqDaily, model.FreqWeekly, model.FreqMonthly:
	default:
		writeError(w, appErrors.NewValidation("unknown frequency %q", body.Frequency))
		return
	}
	if body.ExpiresInDays <= 0 {
		body.ExpiresInDays = 365
	}

	if _, err := c.Contacts.GetByID(body.ContactID); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	sub := &model.RecurringSubscription{
		ContactID:     body.ContactID,
		PageID:        body.PageID,
		Token:         "rn." + uuid.NewString(),
		Frequency:     body.Frequency,
		Status:        model.SubActive,
		NextAllowedAt: now,
		ExpiresAt:     now.AddDate(0, 0, body.ExpiresInDays),
	}
	if err := c.Tickets.CreateSubscription(sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sub)
}

// CancelSubscription moves a subscription to cancelled.
func (c *EngineController) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid subscription id", http.StatusBadRequest)
		return
	}
	if _, err := c.Tickets.GetSubscriptionByID(id); err != nil {
		writeError(w, err)
		return
	}
	if err := c.Tickets.UpdateSubscriptionStatus(id, model.SubCancelled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"subscription_id": id, "status": model.SubCancelled})
}

// SendMessage dispatches a single ad-hoc message to one contact, going
// through the full compliance and rate-limit path.
func (c *EngineController) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactID      int                  `json:"contact_id"`
		Text           string               `json:"text"`
		Content        model.MessageContent `json:"content"`
		Method         model.BypassMethod   `json:"method"`
		Tag            model.MessageTag     `json:"tag"`
		TicketID       int                  `json:"ticket_id"`
		SubscriptionID int                  `json:"subscription_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	content := body.Content
	if content.Text == "" {
		content.Text = body.Text
	}
	if content.Text == "" && len(content.Cards) == 0 {
		writeError(w, appErrors.NewValidation("message content is required"))
		return
	}

	msg, err := c.Dispatcher.Send(r.Context(), dispatch.SendRequest{
		ContactID:      body.ContactID,
		Content:        content,
		Method:         body.Method,
		Tag:            body.Tag,
		TicketID:       body.TicketID,
		SubscriptionID: body.SubscriptionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, msg)
}
