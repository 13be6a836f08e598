package repository

import (
	"database/sql"
	"time"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
)

type TicketRepositoryInterface interface {
	CreateTicket(t *model.OneTimeTicket) error
	GetTicketByID(id int) (*model.OneTimeTicket, error)
	// ConsumeTicket flips is_used in a single guarded update and reports
	// whether this call actually consumed it. A used ticket never un-sets.
	ConsumeTicket(id int) (bool, error)
	ListTicketsByContact(contactID int) ([]model.OneTimeTicket, error)

	CreateSubscription(s *model.RecurringSubscription) error
	GetSubscriptionByID(id int) (*model.RecurringSubscription, error)
	UpdateSubscriptionStatus(id int, status model.SubscriptionStatus) error
	AdvanceSubscription(id int, nextAllowedAt time.Time) error
}

type TicketRepository struct {
	DB *sql.DB
}

func (r *TicketRepository) CreateTicket(t *model.OneTimeTicket) error {
	t.CreatedAt = time.Now()
	query := `
		INSERT INTO one_time_tickets (contact_id, page_id, token, is_used, opted_in_at, expires_at, created_at)
		VALUES ($1, $2, $3, false, $4, $5, $6)
		RETURNING id
	`
	return r.DB.QueryRow(query, t.ContactID, t.PageID, t.Token, t.OptedInAt, t.ExpiresAt, t.CreatedAt).Scan(&t.ID)
}

func (r *TicketRepository) GetTicketByID(id int) (*model.OneTimeTicket, error) {
	query := `
		SELECT id, contact_id, page_id, token, is_used, opted_in_at, expires_at, created_at
		FROM one_time_tickets WHERE id=$1
	`
	var t model.OneTimeTicket
	err := r.DB.QueryRow(query, id).Scan(
		&t.ID, &t.ContactID, &t.PageID, &t.Token, &t.IsUsed, &t.OptedInAt, &t.ExpiresAt, &t.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("ticket", id)
		}
		return nil, err
	}
	return &t, nil
}

func (r *TicketRepository) ConsumeTicket(id int) (bool, error) {
	query := `UPDATE one_time_tickets SET is_used=true WHERE id=$1 AND is_used=false AND expires_at > NOW()`
	res, err := r.DB.Exec(query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *TicketRepository) ListTicketsByContact(contactID int) ([]model.OneTimeTicket, error) {
	query := `
		SELECT id, contact_id, page_id, token, is_used, opted_in_at, expires_at, created_at
		FROM one_time_tickets WHERE contact_id=$1 ORDER BY id DESC
	`
	rows, err := r.DB.Query(query, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []model.OneTimeTicket{}
	for rows.Next() {
		var t model.OneTimeTicket
		if err := rows.Scan(&t.ID, &t.ContactID, &t.PageID, &t.Token, &t.IsUsed, &t.OptedInAt, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (r *TicketRepository) CreateSubscription(s *model.RecurringSubscription) error {
	s.CreatedAt = time.Now()
	if s.Status == "" {
		s.Status = model.SubPending
	}
	query := `
		INSERT INTO recurring_subscriptions (contact_id, page_id, token, frequency, status, next_allowed_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return r.DB.QueryRow(query,
		s.ContactID, s.PageID, s.Token, s.Frequency, s.Status, s.NextAllowedAt, s.ExpiresAt, s.CreatedAt,
	).Scan(&s.ID)
}

func (r *TicketRepository) GetSubscriptionByID(id int) (*model.RecurringSubscription, error) {
	query := `
		SELECT id, contact_id, page_id, token, frequency, status, next_allowed_at, expires_at, created_at
		FROM recurring_subscriptions WHERE id=$1
	`
	var s model.RecurringSubscription
	err := r.DB.QueryRow(query, id).Scan(
		&s.ID, &s.ContactID, &s.PageID, &s.Token, &s.Frequency, &s.Status,
		&s.NextAllowedAt, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("subscription", id)
		}
		return nil, err
	}
	return &s, nil
}

func (r *TicketRepository) UpdateSubscriptionStatus(id int, status model.SubscriptionStatus) error {
	_, err := r.DB.Exec(`UPDATE recurring_subscriptions SET status=$1 WHERE id=$2`, status, id)
	return err
}

func (r *TicketRepository) AdvanceSubscription(id int, nextAllowedAt time.Time) error {
	_, err := r.DB.Exec(`UPDATE recurring_subscriptions SET next_allowed_at=$1 WHERE id=$2`, nextAllowedAt, id)
	return err
}

var _ TicketRepositoryInterface = (*TicketRepository)(nil)
