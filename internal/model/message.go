// internal/model/message.go
package model

import "time"

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// BypassMethod is how a send is allowed under platform policy.
type BypassMethod string

const (
	MethodWithinWindow BypassMethod = "within_window"
	MethodOTN          BypassMethod = "otn"
	MethodRecurring    BypassMethod = "recurring"
	MethodTag          BypassMethod = "tag"
)

// MessageTag is a restricted category permitting sends outside the session
// window. Values are the provider's wire values.
type MessageTag string

const (
	TagEventUpdate    MessageTag = "CONFIRMED_EVENT_UPDATE"
	TagPurchaseUpdate MessageTag = "POST_PURCHASE_UPDATE"
	TagAccountUpdate  MessageTag = "ACCOUNT_UPDATE"
	TagHumanAgent     MessageTag = "HUMAN_AGENT"
)

// Button, QuickReply and Card are the structured pieces of an outbound
// message; all of their visible text runs through personalization.
type Button struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
}

type Card struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

type MessageContent struct {
	Text         string       `json:"text"`
	Buttons      []Button     `json:"buttons,omitempty"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
	Cards        []Card       `json:"cards,omitempty"`
}

type Message struct {
	ID         int              `db:"id" json:"id"`
	CampaignID int              `db:"campaign_id" json:"campaign_id"` // 0 for direct sends
	ContactID  int              `db:"contact_id" json:"contact_id"`
	PageID     int              `db:"page_id" json:"page_id"`
	Direction  MessageDirection `db:"direction" json:"direction"`
	Status     MessageStatus    `db:"status" json:"status"`

	Method  BypassMethod `db:"method" json:"method,omitempty"`
	Tag     MessageTag   `db:"tag" json:"tag,omitempty"`
	Variant string       `db:"variant" json:"variant,omitempty"`

	Text              string `db:"text" json:"text"`
	ProviderMessageID string `db:"provider_message_id" json:"provider_message_id,omitempty"`

	TicketID       *int `db:"ticket_id" json:"ticket_id,omitempty"`
	SubscriptionID *int `db:"subscription_id" json:"subscription_id,omitempty"`

	// Engagement signals written by provider callbacks, read by the drip
	// condition evaluator and A/B result aggregation.
	ClickedAt *time.Time `db:"clicked_at" json:"clicked_at,omitempty"`
	Replied   bool       `db:"replied" json:"replied"`

	ErrorCode    string `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
