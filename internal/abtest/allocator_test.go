package abtest

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
	"github.com/pagereach/chatflow-backend/internal/repository"
)

type recordingQueue struct {
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job, _ time.Duration, _ int) error {
	q.jobs = append(q.jobs, job)
	return nil
}
func (q *recordingQueue) Pause(context.Context) error  { return nil }
func (q *recordingQueue) Resume(context.Context) error { return nil }

type stubMessages struct {
	stats    []repository.VariantStat
	messaged []int
}

func (s *stubMessages) Create(*model.Message) error                   { return nil }
func (s *stubMessages) GetByID(int) (*model.Message, error)           { return nil, nil }
func (s *stubMessages) MarkSent(int, string) error                    { return nil }
func (s *stubMessages) MarkFailed(int, string, string) error          { return nil }
func (s *stubMessages) StatusCounts(int) (map[string]int, error)      { return nil, nil }
func (s *stubMessages) CountInboundSince(int, time.Time) (int, error) { return 0, nil }
func (s *stubMessages) CountClicksSince(int, time.Time) (int, error)  { return 0, nil }
func (s *stubMessages) ContactIDsWithMessages(int) ([]int, error)     { return s.messaged, nil }
func (s *stubMessages) VariantStats(int) ([]repository.VariantStat, error) {
	return s.stats, nil
}

func audienceOf(n int) []model.Contact {
	contacts := make([]model.Contact, n)
	for i := range contacts {
		contacts[i] = model.Contact{ID: i + 1}
	}
	return contacts
}

func TestValidateVariants(t *testing.T) {
	err := ValidateVariants([]model.Variant{{Name: "A", Percentage: 100}})
	assert.True(t, appErrors.IsValidation(err))

	err = ValidateVariants([]model.Variant{
		{Name: "A", Percentage: 60},
		{Name: "B", Percentage: 50},
	})
	assert.True(t, appErrors.IsValidation(err))

	err = ValidateVariants([]model.Variant{
		{Name: "A", Percentage: 60},
		{Name: "B", Percentage: 40},
	})
	assert.NoError(t, err)
}

func TestPartitionExactSplit(t *testing.T) {
	a := &Allocator{Rand: rand.New(rand.NewSource(1))}
	variants := []model.Variant{
		{Name: "A", Percentage: 60},
		{Name: "B", Percentage: 40},
	}

	parts := a.Partition(variants, audienceOf(100))
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 60)
	assert.Len(t, parts[1], 40)
}

func TestPartitionRemainderGoesToLast(t *testing.T) {
	a := &Allocator{Rand: rand.New(rand.NewSource(1))}
	variants := []model.Variant{
		{Name: "A", Percentage: 33},
		{Name: "B", Percentage: 33},
		{Name: "C", Percentage: 34},
	}

	for _, n := range []int{7, 10, 99, 100, 101} {
		parts := a.Partition(variants, audienceOf(n))
		total := 0
		seen := map[int]bool{}
		for _, part := range parts {
			total += len(part)
			for _, c := range part {
				assert.False(t, seen[c.ID], "contact %d assigned twice", c.ID)
				seen[c.ID] = true
			}
		}
		assert.Equal(t, n, total, "partition of %d must cover everyone exactly once", n)
	}
}

func TestLaunchEnqueuesPerVariant(t *testing.T) {
	q := &recordingQueue{}
	a := &Allocator{
		Messages:    &stubMessages{},
		Queue:       q,
		MaxAttempts: 3,
		Rand:        rand.New(rand.NewSource(1)),
	}
	campaign := &model.Campaign{
		ID: 7,
		Variants: []model.Variant{
			{Name: "A", Percentage: 50, Content: model.MessageContent{Text: "a"}},
			{Name: "B", Percentage: 50, Content: model.MessageContent{Text: "b"}},
		},
	}

	require.NoError(t, a.Launch(context.Background(), campaign, audienceOf(10)))

	require.Len(t, q.jobs, 10)
	byVariant := map[string]int{}
	for _, job := range q.jobs {
		assert.Equal(t, queue.JobABVariant, job.Type)
		assert.Equal(t, 7, job.CampaignID)
		byVariant[job.Variant]++
	}
	assert.Equal(t, 5, byVariant["A"])
	assert.Equal(t, 5, byVariant["B"])
}

func TestLaunchRejectsBadVariants(t *testing.T) {
	a := &Allocator{Queue: &recordingQueue{}}
	campaign := &model.Campaign{
		ID:       7,
		Variants: []model.Variant{{Name: "A", Percentage: 100}},
	}
	err := a.Launch(context.Background(), campaign, audienceOf(10))
	assert.True(t, appErrors.IsValidation(err))
}

func TestResultsPicksWinnerByCriterion(t *testing.T) {
	msgs := &stubMessages{stats: []repository.VariantStat{
		{Variant: "A", Sent: 100, Delivered: 90, Clicked: 5, Replied: 20},
		{Variant: "B", Sent: 100, Delivered: 80, Clicked: 30, Replied: 10},
	}}
	a := &Allocator{Messages: msgs}

	_, winner, err := a.Results(7, model.WinByDeliveryRate)
	require.NoError(t, err)
	assert.Equal(t, "A", winner)

	_, winner, _ = a.Results(7, model.WinByClickRate)
	assert.Equal(t, "B", winner)

	results, winner, _ := a.Results(7, model.WinByResponseRate)
	assert.Equal(t, "A", winner)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.2, results[0].ResponseRate, 1e-9)
}

func TestResultsTieGoesToFirst(t *testing.T) {
	msgs := &stubMessages{stats: []repository.VariantStat{
		{Variant: "A", Sent: 10, Delivered: 5},
		{Variant: "B", Sent: 10, Delivered: 5},
	}}
	a := &Allocator{Messages: msgs}

	_, winner, err := a.Results(7, model.WinByDeliveryRate)
	require.NoError(t, err)
	assert.Equal(t, "A", winner)
}

func TestSendWinnerSkipsAlreadyMessaged(t *testing.T) {
	q := &recordingQueue{}
	msgs := &stubMessages{
		stats: []repository.VariantStat{
			{Variant: "A", Sent: 5, Delivered: 5},
			{Variant: "B", Sent: 5, Delivered: 2},
		},
		messaged: []int{1, 2, 3},
	}
	a := &Allocator{Messages: msgs, Queue: q, MaxAttempts: 3}
	campaign := &model.Campaign{
		ID:     7,
		Winner: model.WinByDeliveryRate,
		Variants: []model.Variant{
			{Name: "A", Percentage: 50},
			{Name: "B", Percentage: 50},
		},
	}

	queued, err := a.SendWinnerToRemaining(context.Background(), campaign, audienceOf(5))
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	require.Len(t, q.jobs, 2)
	for _, job := range q.jobs {
		assert.Equal(t, "A", job.Variant)
		assert.Contains(t, []int{4, 5}, job.ContactID)
	}
}

func TestSendWinnerWithoutResults(t *testing.T) {
	a := &Allocator{Messages: &stubMessages{}, Queue: &recordingQueue{}}
	campaign := &model.Campaign{ID: 7, Winner: model.WinByDeliveryRate}

	_, err := a.SendWinnerToRemaining(context.Background(), campaign, audienceOf(5))
	assert.True(t, appErrors.IsState(err))
}

func TestVariantContent(t *testing.T) {
	campaign := &model.Campaign{
		Variants: []model.Variant{
			{Name: "A", Content: model.MessageContent{Text: "a"}},
		},
	}

	content, err := VariantContent(campaign, "A")
	require.NoError(t, err)
	assert.Equal(t, "a", content.Text)

	_, err = VariantContent(campaign, "Z")
	assert.True(t, appErrors.IsNotFound(err))
}
