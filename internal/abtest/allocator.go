// internal/abtest/allocator.go
package abtest

import (
	"context"
	"math"
	"math/rand"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/repository"
)

// VariantResult is one arm's aggregated metrics plus the derived rates the
// winner is chosen by.
type VariantResult struct {
	repository.VariantStat
	DeliveryRate float64 `json:"delivery_rate"`
	ResponseRate float64 `json:"response_rate"`
	ClickRate    float64 `json:"click_rate"`
}

// Allocator splits an A/B campaign's audience across variants and picks the
// winner from per-variant message stats.
type Allocator struct {
	Messages repository.MessageRepositoryInterface
	Queue    queue.Queue

	MaxAttempts int
	// Rand allows deterministic shuffles in tests; nil uses the global
	// source.
	Rand *rand.Rand
}

// ValidateVariants rejects configurations with fewer than two variants or
// percentages not summing to exactly 100.
func ValidateVariants(variants []model.Variant) error {
	if len(variants) < 2 {
		return appErrors.NewValidation("A/B campaign needs at least 2 variants, got %d", len(variants))
	}
	sum := 0
	for _, v := range variants {
		sum += v.Percentage
	}
	if sum != 100 {
		return appErrors.NewValidation("variant percentages must sum to exactly 100, got %d", sum)
	}
	return nil
}

// Partition shuffles the audience and splits it proportionally. Every
// variant except the last receives round(pct/100 × N) recipients; the last
// absorbs the remainder so the partition always sums to exactly N.
func (a *Allocator) Partition(variants []model.Variant, audience []model.Contact) [][]model.Contact {
	shuffled := make([]model.Contact, len(audience))
	copy(shuffled, audience)
	shuffle := rand.Shuffle
	if a.Rand != nil {
		shuffle = a.Rand.Shuffle
	}
	shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := len(shuffled)
	parts := make([][]model.Contact, len(variants))
	offset := 0
	for i, v := range variants {
		if i == len(variants)-1 {
			parts[i] = shuffled[offset:]
			break
		}
		size := int(math.Round(float64(v.Percentage) / 100 * float64(n)))
		if offset+size > n {
			size = n - offset
		}
		parts[i] = shuffled[offset : offset+size]
		offset += size
	}
	return parts
}

// Launch validates, partitions and enqueues every variant's sends
// immediately. No staged rollout.
func (a *Allocator) Launch(ctx context.Context, campaign *model.Campaign, audience []model.Contact) error {
	if err := ValidateVariants(campaign.Variants); err != nil {
		return err
	}

	parts := a.Partition(campaign.Variants, audience)
	for i, part := range parts {
		variant := campaign.Variants[i]
		for _, contact := range part {
			if err := a.Queue.Enqueue(ctx, queue.Job{
				Type:       queue.JobABVariant,
				CampaignID: campaign.ID,
				ContactID:  contact.ID,
				Variant:    variant.Name,
			}, 0, a.MaxAttempts); err != nil {
				return err
			}
		}
	}
	return nil
}

// Results aggregates per-variant metrics and picks the winner by the given
// criterion. The first variant encountered wins ties.
func (a *Allocator) Results(campaignID int, criterion model.WinnerCriterion) ([]VariantResult, string, error) {
	stats, err := a.Messages.VariantStats(campaignID)
	if err != nil {
		return nil, "", err
	}

	results := make([]VariantResult, len(stats))
	winner := ""
	best := -1.0
	for i, st := range stats {
		r := VariantResult{VariantStat: st}
		if st.Sent > 0 {
			r.DeliveryRate = float64(st.Delivered) / float64(st.Sent)
			r.ResponseRate = float64(st.Replied) / float64(st.Sent)
			r.ClickRate = float64(st.Clicked) / float64(st.Sent)
		}
		results[i] = r

		score := r.DeliveryRate
		switch criterion {
		case model.WinByResponseRate:
			score = r.ResponseRate
		case model.WinByClickRate:
			score = r.ClickRate
		}
		if score > best {
			best = score
			winner = st.Variant
		}
	}
	return results, winner, nil
}

// SendWinnerToRemaining dispatches the winning variant's content to every
// audience member who has not yet received any message for the campaign.
// Returns how many sends were enqueued.
func (a *Allocator) SendWinnerToRemaining(ctx context.Context, campaign *model.Campaign, audience []model.Contact) (int, error) {
	_, winner, err := a.Results(campaign.ID, campaign.Winner)
	if err != nil {
		return 0, err
	}
	if winner == "" {
		return 0, appErrors.NewState("campaign %d has no results to pick a winner from", campaign.ID)
	}

	sentTo, err := a.Messages.ContactIDsWithMessages(campaign.ID)
	if err != nil {
		return 0, err
	}
	already := make(map[int]struct{}, len(sentTo))
	for _, id := range sentTo {
		already[id] = struct{}{}
	}

	queued := 0
	for _, contact := range audience {
		if _, ok := already[contact.ID]; ok {
			continue
		}
		if err := a.Queue.Enqueue(ctx, queue.Job{
			Type:       queue.JobABVariant,
			CampaignID: campaign.ID,
			ContactID:  contact.ID,
			Variant:    winner,
		}, 0, a.MaxAttempts); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// VariantContent returns the content for a named variant.
func VariantContent(campaign *model.Campaign, name string) (model.MessageContent, error) {
	for _, v := range campaign.Variants {
		if v.Name == name {
			return v.Content, nil
		}
	}
	return model.MessageContent{}, appErrors.NewNotFound("variant", name)
}
