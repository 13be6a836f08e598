// internal/model/campaign.go
package model

import "time"

type CampaignKind string

const (
	KindOneTime   CampaignKind = "one_time"
	KindScheduled CampaignKind = "scheduled"
	KindRecurring CampaignKind = "recurring"
	KindDrip      CampaignKind = "drip"
	KindTrigger   CampaignKind = "trigger"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCancelled CampaignStatus = "cancelled"
)

// Audience describes who a campaign targets. Resolution happens at launch:
// explicit contact ids win, then a tag filter, then the whole page.
type Audience struct {
	Tag        string `json:"tag,omitempty"`
	ContactIDs []int  `json:"contact_ids,omitempty"`
}

// Variant is one arm of an A/B campaign. Percentages across a campaign's
// variants must sum to exactly 100.
type Variant struct {
	Name       string         `json:"name"`
	Percentage int            `json:"percentage"`
	Content    MessageContent `json:"content"`
}

type StepCondition string

const (
	CondNone       StepCondition = "none"
	CondReplied    StepCondition = "replied"
	CondNotReplied StepCondition = "not_replied"
	CondClicked    StepCondition = "clicked"
	CondNotClicked StepCondition = "not_clicked"
)

type DripStep struct {
	DelayMinutes int            `json:"delay_minutes"`
	Condition    StepCondition  `json:"condition"`
	Content      MessageContent `json:"content"`
}

type TriggerConditionType string

const (
	TriggerNewContact  TriggerConditionType = "new_contact"
	TriggerTagAdded    TriggerConditionType = "tag_added"
	TriggerTagRemoved  TriggerConditionType = "tag_removed"
	TriggerEngagement  TriggerConditionType = "engagement_level"
	TriggerCustomField TriggerConditionType = "custom_field"
	TriggerInactivity  TriggerConditionType = "inactivity"
)

type TriggerOperator string

const (
	OpEquals      TriggerOperator = "equals"
	OpContains    TriggerOperator = "contains"
	OpGreaterThan TriggerOperator = "greater_than"
	OpLessThan    TriggerOperator = "less_than"
	OpIn          TriggerOperator = "in"
)

type TriggerCondition struct {
	Type     TriggerConditionType `json:"type"`
	Field    string               `json:"field,omitempty"`
	Operator TriggerOperator      `json:"operator,omitempty"`
	Value    string               `json:"value,omitempty"`
}

// TriggerConfig is immutable once activated except via deactivate/reactivate.
type TriggerConfig struct {
	Conditions            []TriggerCondition `json:"conditions"`
	MatchAll              bool               `json:"match_all"`
	CooldownMinutes       int                `json:"cooldown_minutes"`
	MaxTriggersPerContact int                `json:"max_triggers_per_contact"`
}

type WinnerCriterion string

const (
	WinByDeliveryRate WinnerCriterion = "delivery_rate"
	WinByResponseRate WinnerCriterion = "response_rate"
	WinByClickRate    WinnerCriterion = "click_rate"
)

type Campaign struct {
	ID          int            `db:"id" json:"id"`
	WorkspaceID int            `db:"workspace_id" json:"workspace_id"`
	PageID      int            `db:"page_id" json:"page_id"`
	Name        string         `db:"name" json:"name"`
	Kind        CampaignKind   `db:"kind" json:"kind"`
	Status      CampaignStatus `db:"status" json:"status"`

	Audience Audience       `db:"audience" json:"audience"`
	Content  MessageContent `db:"content" json:"content"`

	// Kind-specific configuration, stored as JSON columns.
	Variants  []Variant       `db:"variants" json:"variants,omitempty"`
	Winner    WinnerCriterion `db:"winner_criterion" json:"winner_criterion,omitempty"`
	DripSteps []DripStep      `db:"drip_steps" json:"drip_steps,omitempty"`
	Trigger   *TriggerConfig  `db:"trigger_config" json:"trigger_config,omitempty"`

	// Delivery tag for sends outside the session window, if any.
	Tag MessageTag `db:"message_tag" json:"message_tag,omitempty"`

	SentCount       int `db:"sent_count" json:"sent_count"`
	DeliveredCount  int `db:"delivered_count" json:"delivered_count"`
	FailedCount     int `db:"failed_count" json:"failed_count"`
	TotalRecipients int `db:"total_recipients" json:"total_recipients"`

	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// IsTerminal reports whether the status is final.
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
