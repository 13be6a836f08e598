package repository

import (
	"database/sql"
	"time"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
)

// VariantStat is one A/B arm's aggregated delivery and response numbers.
type VariantStat struct {
	Variant   string `json:"variant"`
	Sent      int    `json:"sent"`
	Delivered int    `json:"delivered"`
	Clicked   int    `json:"clicked"`
	Replied   int    `json:"replied"`
}

type MessageRepositoryInterface interface {
	Create(m *model.Message) error
	GetByID(id int) (*model.Message, error)
	MarkSent(id int, providerMessageID string) error
	MarkFailed(id int, errorCode, errorMessage string) error

	StatusCounts(campaignID int) (map[string]int, error)

	// Signals for drip conditions, within a bounded recent window.
	CountInboundSince(contactID int, since time.Time) (int, error)
	CountClicksSince(contactID int, since time.Time) (int, error)

	// A/B support: which contacts already got a message for a campaign, and
	// per-variant aggregates.
	ContactIDsWithMessages(campaignID int) ([]int, error)
	VariantStats(campaignID int) ([]VariantStat, error)
}

type MessageRepository struct {
	DB *sql.DB
}

func (r *MessageRepository) Create(m *model.Message) error {
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = model.MessagePending
	}

	query := `
		INSERT INTO messages (campaign_id, contact_id, page_id, direction, status,
			method, tag, variant, text, ticket_id, subscription_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	return r.DB.QueryRow(query,
		m.CampaignID, m.ContactID, m.PageID, m.Direction, m.Status,
		m.Method, m.Tag, m.Variant, m.Text, m.TicketID, m.SubscriptionID,
		m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
}

func (r *MessageRepository) GetByID(id int) (*model.Message, error) {
	query := `
		SELECT id, campaign_id, contact_id, page_id, direction, status, method, tag, variant,
			   text, provider_message_id, ticket_id, subscription_id, clicked_at, replied,
			   error_code, error_message, created_at, updated_at
		FROM messages WHERE id=$1
	`
	var m model.Message
	var providerID, errCode, errMsg sql.NullString
	err := r.DB.QueryRow(query, id).Scan(
		&m.ID, &m.CampaignID, &m.ContactID, &m.PageID, &m.Direction, &m.Status,
		&m.Method, &m.Tag, &m.Variant, &m.Text, &providerID,
		&m.TicketID, &m.SubscriptionID, &m.ClickedAt, &m.Replied,
		&errCode, &errMsg, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("message", id)
		}
		return nil, err
	}
	m.ProviderMessageID = providerID.String
	m.ErrorCode = errCode.String
	m.ErrorMessage = errMsg.String
	return &m, nil
}

func (r *MessageRepository) MarkSent(id int, providerMessageID string) error {
	query := `UPDATE messages SET status=$1, provider_message_id=$2, updated_at=NOW() WHERE id=$3`
	_, err := r.DB.Exec(query, model.MessageSent, providerMessageID, id)
	return err
}

func (r *MessageRepository) MarkFailed(id int, errorCode, errorMessage string) error {
	query := `UPDATE messages SET status=$1, error_code=$2, error_message=$3, updated_at=NOW() WHERE id=$4`
	_, err := r.DB.Exec(query, model.MessageFailed, errorCode, errorMessage, id)
	return err
}

func (r *MessageRepository) StatusCounts(campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM messages WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{"pending": 0, "sent": 0, "delivered": 0, "read": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *MessageRepository) CountInboundSince(contactID int, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE contact_id=$1 AND direction=$2 AND created_at >= $3`
	var n int
	err := r.DB.QueryRow(query, contactID, model.DirectionInbound, since).Scan(&n)
	return n, err
}

func (r *MessageRepository) CountClicksSince(contactID int, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE contact_id=$1 AND clicked_at IS NOT NULL AND clicked_at >= $2`
	var n int
	err := r.DB.QueryRow(query, contactID, since).Scan(&n)
	return n, err
}

func (r *MessageRepository) ContactIDsWithMessages(campaignID int) ([]int, error) {
	query := `SELECT DISTINCT contact_id FROM messages WHERE campaign_id=$1 AND direction=$2`
	rows, err := r.DB.Query(query, campaignID, model.DirectionOutbound)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *MessageRepository) VariantStats(campaignID int) ([]VariantStat, error) {
	query := `
		SELECT variant,
			   COUNT(*) FILTER (WHERE status IN ('sent','delivered','read')),
			   COUNT(*) FILTER (WHERE status IN ('delivered','read')),
			   COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
			   COUNT(*) FILTER (WHERE replied)
		FROM messages
		WHERE campaign_id=$1 AND direction=$2 AND variant <> ''
		GROUP BY variant
		ORDER BY variant
	`
	rows, err := r.DB.Query(query, campaignID, model.DirectionOutbound)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []VariantStat{}
	for rows.Next() {
		var s VariantStat
		if err := rows.Scan(&s.Variant, &s.Sent, &s.Delivered, &s.Clicked, &s.Replied); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
