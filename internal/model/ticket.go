// internal/model/ticket.go
package model

import "time"

// OneTimeTicket is a single-use notification credential. Once used it can
// never be reused or un-set.
type OneTimeTicket struct {
	ID        int        `db:"id" json:"id"`
	ContactID int        `db:"contact_id" json:"contact_id"`
	PageID    int        `db:"page_id" json:"page_id"`
	Token     string     `db:"token" json:"token"`
	IsUsed    bool       `db:"is_used" json:"is_used"`
	OptedInAt *time.Time `db:"opted_in_at" json:"opted_in_at,omitempty"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Valid reports whether the ticket can back a send right now.
func (t *OneTimeTicket) Valid(now time.Time) bool {
	return !t.IsUsed && t.OptedInAt != nil && now.Before(t.ExpiresAt)
}

type SubscriptionStatus string

const (
	SubPending   SubscriptionStatus = "pending"
	SubActive    SubscriptionStatus = "active"
	SubCancelled SubscriptionStatus = "cancelled"
	SubExpired   SubscriptionStatus = "expired"
)

type SubscriptionFrequency string

const (
	FreqDaily   SubscriptionFrequency = "daily"
	FreqWeekly  SubscriptionFrequency = "weekly"
	FreqMonthly SubscriptionFrequency = "monthly"
)

// NextAfter returns the next allowed send time following a send at t.
func (f SubscriptionFrequency) NextAfter(t time.Time) time.Time {
	switch f {
	case FreqWeekly:
		return t.Add(7 * 24 * time.Hour)
	case FreqMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.Add(24 * time.Hour)
	}
}

// RecurringSubscription lets the sender notify a contact periodically
// outside the session window, rate-limited by frequency.
type RecurringSubscription struct {
	ID            int                   `db:"id" json:"id"`
	ContactID     int                   `db:"contact_id" json:"contact_id"`
	PageID        int                   `db:"page_id" json:"page_id"`
	Token         string                `db:"token" json:"token"`
	Frequency     SubscriptionFrequency `db:"frequency" json:"frequency"`
	Status        SubscriptionStatus    `db:"status" json:"status"`
	NextAllowedAt time.Time             `db:"next_allowed_at" json:"next_allowed_at"`
	ExpiresAt     time.Time             `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time             `db:"created_at" json:"created_at"`
}

// Eligible reports whether a send under this subscription is legal now.
func (s *RecurringSubscription) Eligible(now time.Time) bool {
	return s.Status == SubActive && now.Before(s.ExpiresAt) && !now.Before(s.NextAllowedAt)
}
