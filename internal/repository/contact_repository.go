package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
)

// ContactRepositoryInterface defines the contact reads the engine needs,
// plus the two timestamp writes the dispatcher owns.
type ContactRepositoryInterface interface {
	GetByID(id int) (*model.Contact, error)
	ListByPage(pageID int) ([]model.Contact, error)
	ListByTag(pageID int, tag string) ([]model.Contact, error)
	ListByIDs(ids []int) ([]model.Contact, error)
	TouchInbound(id int, at time.Time) error
	TouchOutbound(id int, at time.Time) error
}

type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, workspace_id, page_id, channel_id, first_name, last_name,
		engagement, tags, custom_fields, last_inbound_at, last_outbound_at, created_at`

func scanContact(row interface{ Scan(...any) error }) (*model.Contact, error) {
	var c model.Contact
	var fields []byte
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.PageID, &c.ChannelID, &c.FirstName, &c.LastName,
		&c.Engagement, pq.Array(&c.Tags), &fields, &c.LastInboundAt, &c.LastOutboundAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.CustomFields); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *ContactRepository) GetByID(id int) (*model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id=$1`
	c, err := scanContact(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("contact", id)
		}
		return nil, err
	}
	return c, nil
}

func (r *ContactRepository) listQuery(query string, args ...any) ([]model.Contact, error) {
	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

func (r *ContactRepository) ListByPage(pageID int) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE page_id=$1 ORDER BY id`
	return r.listQuery(query, pageID)
}

func (r *ContactRepository) ListByTag(pageID int, tag string) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE page_id=$1 AND $2 = ANY(tags) ORDER BY id`
	return r.listQuery(query, pageID, tag)
}

func (r *ContactRepository) ListByIDs(ids []int) ([]model.Contact, error) {
	if len(ids) == 0 {
		return []model.Contact{}, nil
	}
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = ANY($1) ORDER BY id`
	return r.listQuery(query, pq.Array(ids))
}

func (r *ContactRepository) TouchInbound(id int, at time.Time) error {
	_, err := r.DB.Exec(`UPDATE contacts SET last_inbound_at=$1 WHERE id=$2`, at, id)
	return err
}

func (r *ContactRepository) TouchOutbound(id int, at time.Time) error {
	_, err := r.DB.Exec(`UPDATE contacts SET last_outbound_at=$1 WHERE id=$2`, at, id)
	return err
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
