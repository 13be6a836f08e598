// internal/model/contact.go
package model

import "time"

// Contact is owned by the contact subsystem. This engine reads it and only
// ever writes the two last_*_at timestamps (via the dispatcher).
type Contact struct {
	ID             int               `db:"id" json:"id"`
	WorkspaceID    int               `db:"workspace_id" json:"workspace_id"`
	PageID         int               `db:"page_id" json:"page_id"`
	ChannelID      string            `db:"channel_id" json:"channel_id"` // page-scoped id on the chat platform
	FirstName      string            `db:"first_name" json:"first_name"`
	LastName       string            `db:"last_name" json:"last_name"`
	Engagement     string            `db:"engagement" json:"engagement"`
	Tags           []string          `db:"tags" json:"tags"`
	CustomFields   map[string]string `db:"custom_fields" json:"custom_fields"`
	LastInboundAt  *time.Time        `db:"last_inbound_at" json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time        `db:"last_outbound_at" json:"last_outbound_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
}

// FullName joins first and last name, tolerating either being empty.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
