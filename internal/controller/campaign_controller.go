// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pagereach/chatflow-backend/internal/abtest"
	"github.com/pagereach/chatflow-backend/internal/dispatch"
	"github.com/pagereach/chatflow-backend/internal/drip"
	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/service"
)

type CampaignController struct {
	Service    *service.CampaignService
	Dispatcher *dispatch.Dispatcher
	Drip       *drip.Sequencer
	AB         *abtest.Allocator
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsValidation(err):
		status = http.StatusBadRequest
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case appErrors.IsCompliance(err):
		status = http.StatusForbidden
	case appErrors.IsRateLimit(err):
		status = http.StatusTooManyRequests
	case appErrors.IsState(err):
		status = http.StatusConflict
	case appErrors.IsProvider(err):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func urlID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var campaign model.Campaign
	if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := c.Service.CreateCampaign(&campaign); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	kind := r.URL.Query().Get("kind")
	status := r.URL.Query().Get("status")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	campaigns, pagination, err := c.Service.ListCampaigns(page, pageSize, kind, status)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	details, err := c.Service.DetailsWithStats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, details)
}

func (c *CampaignController) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	result, err := c.Service.Launch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (c *CampaignController) lifecycle(action func(r *http.Request, id int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := urlID(r)
		if err != nil {
			http.Error(w, "invalid campaign id", http.StatusBadRequest)
			return
		}
		if err := action(r, id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"campaign_id": id, "ok": true})
	}
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(func(r *http.Request, id int) error {
		return c.Service.Pause(r.Context(), id)
	})(w, r)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(func(r *http.Request, id int) error {
		return c.Service.Resume(r.Context(), id)
	})(w, r)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(func(r *http.Request, id int) error {
		return c.Service.Cancel(r.Context(), id)
	})(w, r)
}

// PersonalizedPreview renders a campaign's content for one contact without
// sending anything.
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		ContactID int `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rendered, err := c.Dispatcher.Preview(r.Context(), id, body.ContactID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"campaign_id": id,
		"contact_id":  body.ContactID,
		"rendered":    rendered,
	})
}

func (c *CampaignController) RemoveFromDrip(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		ContactID int `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := c.Drip.Remove(r.Context(), id, body.ContactID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"campaign_id": id, "contact_id": body.ContactID, "removed": true})
}

func (c *CampaignController) DripProgress(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	summary, err := c.Drip.Progress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, summary)
}

func (c *CampaignController) ABResults(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	campaign, err := c.Service.Campaigns.GetByID(id)
	if err != nil {
		writeError(w, err)
		return
	}

	criterion := campaign.Winner
	if q := r.URL.Query().Get("criterion"); q != "" {
		criterion = model.WinnerCriterion(q)
	}

	results, winner, err := c.AB.Results(id, criterion)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"campaign_id": id,
		"criterion":   criterion,
		"variants":    results,
		"winner":      winner,
	})
}

func (c *CampaignController) SendWinner(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	campaign, err := c.Service.Campaigns.GetByID(id)
	if err != nil {
		writeError(w, err)
		return
	}

	audience, err := c.Service.ResolveAudience(campaign)
	if err != nil {
		writeError(w, err)
		return
	}

	queued, err := c.AB.SendWinnerToRemaining(r.Context(), campaign, audience)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"campaign_id": id, "messages_queued": queued})
}
