// internal/channel/channel.go
package channel

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/pagereach/chatflow-backend/internal/model"
)

// MessagingType is the provider-level send mode derived from the resolved
// bypass method.
type MessagingType string

const (
	TypeResponse     MessagingType = "RESPONSE"
	TypeMessageTag   MessagingType = "MESSAGE_TAG"
	TypeOneTimeNotif MessagingType = "ONE_TIME_NOTIFICATION"
	TypeRecurring    MessagingType = "RECURRING_NOTIFICATION"
)

// Payload is the outbound wire shape. Destination addressing varies by
// method: session sends address the contact's channel id, ticket sends
// address the notification token.
type Payload struct {
	MessagingType     MessagingType       `json:"messaging_type"`
	Tag               model.MessageTag    `json:"tag,omitempty"`
	NotificationToken string              `json:"notification_token,omitempty"`
	Content           model.MessageContent `json:"content"`
}

// Sender is the external channel provider client. Send returns the
// provider's message id or an error; the dispatcher owns the failure
// bookkeeping.
type Sender interface {
	Send(ctx context.Context, destination string, p Payload) (string, error)
}

// MockSender simulates the provider with a configurable failure rate.
// Used by cmd binaries until a real provider client is dropped in, and by
// tests at FailureRate 0 or 1.
type MockSender struct {
	FailureRate float64
}

func (m *MockSender) Send(_ context.Context, destination string, _ Payload) (string, error) {
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return "", fmt.Errorf("mock sending to %s failed", destination)
	}
	return "mid." + uuid.NewString(), nil
}

var _ Sender = (*MockSender)(nil)
