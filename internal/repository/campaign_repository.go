package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(c *model.Campaign) error
	GetByID(id int) (*model.Campaign, error)
	List(offset, limit int, kind, status string) ([]*model.Campaign, int, error)

	// TransitionStatus performs a guarded conditional update and reports
	// whether the row actually moved. Safe under concurrent callers.
	TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	SetTotalRecipients(id, total int) error
	IncrementCounters(id, sentDelta, failedDelta int) error

	// MarkCompletedIfDone flips a running campaign to completed exactly when
	// sent+failed has reached the recipient total. Idempotent.
	MarkCompletedIfDone(id int) (bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, workspace_id, page_id, name, kind, status, audience, content,
		variants, winner_criterion, drip_steps, trigger_config, message_tag,
		sent_count, delivered_count, failed_count, total_recipients,
		scheduled_at, created_at, updated_at`

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}

	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return err
	}
	content, err := json.Marshal(c.Content)
	if err != nil {
		return err
	}
	variants, err := marshalJSON(c.Variants)
	if err != nil {
		return err
	}
	steps, err := marshalJSON(c.DripSteps)
	if err != nil {
		return err
	}
	trigger, err := marshalJSON(c.Trigger)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO campaigns (workspace_id, page_id, name, kind, status, audience, content,
			variants, winner_criterion, drip_steps, trigger_config, message_tag, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	return r.DB.QueryRow(query,
		c.WorkspaceID, c.PageID, c.Name, c.Kind, c.Status, audience, content,
		variants, c.Winner, steps, trigger, c.Tag, c.ScheduledAt, c.CreatedAt,
	).Scan(&c.ID)
}

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var audience, content, variants, steps, trigger []byte
	var winner, tag sql.NullString
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.PageID, &c.Name, &c.Kind, &c.Status, &audience, &content,
		&variants, &winner, &steps, &trigger, &tag,
		&c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.TotalRecipients,
		&c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Winner = model.WinnerCriterion(winner.String)
	c.Tag = model.MessageTag(tag.String)
	if err := json.Unmarshal(audience, &c.Audience); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &c.Content); err != nil {
		return nil, err
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &c.Variants); err != nil {
			return nil, err
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &c.DripSteps); err != nil {
			return nil, err
		}
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &c.Trigger); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("campaign", id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) List(offset, limit int, kind, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if kind != "" {
		query += fmt.Sprintf(" AND kind=$%d", argPos)
		args = append(args, kind)
		argPos++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	argPosCount := 1
	if kind != "" {
		countQuery += fmt.Sprintf(" AND kind=$%d", argPosCount)
		argsCount = append(argsCount, kind)
		argPosCount++
	}
	if status != "" {
		countQuery += fmt.Sprintf(" AND status=$%d", argPosCount)
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.DB.Exec(query, to, id, pq.Array(states))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) SetTotalRecipients(id, total int) error {
	_, err := r.DB.Exec(`UPDATE campaigns SET total_recipients=$1, updated_at=NOW() WHERE id=$2`, total, id)
	return err
}

func (r *CampaignRepository) IncrementCounters(id, sentDelta, failedDelta int) error {
	query := `UPDATE campaigns SET sent_count=sent_count+$1, failed_count=failed_count+$2, updated_at=NOW() WHERE id=$3`
	_, err := r.DB.Exec(query, sentDelta, failedDelta, id)
	return err
}

func (r *CampaignRepository) MarkCompletedIfDone(id int) (bool, error) {
	query := `
		UPDATE campaigns SET status=$1, updated_at=NOW()
		WHERE id=$2 AND status=$3 AND total_recipients > 0
		  AND sent_count + failed_count >= total_recipients
	`
	res, err := r.DB.Exec(query, model.StatusCompleted, id, model.StatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
