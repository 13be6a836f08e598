// internal/trigger/evaluator.go
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/pagereach/chatflow-backend/internal/errors"
	"github.com/pagereach/chatflow-backend/internal/kv"
	"github.com/pagereach/chatflow-backend/internal/model"
	"github.com/pagereach/chatflow-backend/internal/queue"
)

// countTTL bounds how long per-contact fire counters are retained.
const countTTL = 30 * 24 * time.Hour

// Event is a contact activity fed into active trigger campaigns. The Type
// must match a condition's type for that condition to evaluate true.
type Event struct {
	Type  model.TriggerConditionType `json:"type"`
	Tag   string                     `json:"tag,omitempty"`
	Field string                     `json:"field,omitempty"`
	Value string                     `json:"value,omitempty"`
}

// Evaluator matches contact events against active trigger campaigns and
// fires their message, subject to cooldown and per-contact caps.
type Evaluator struct {
	KV    kv.Store
	Queue queue.Queue

	MaxAttempts int
	Now         func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func configKey(campaignID int) string {
	return fmt.Sprintf("trigger:active:%d", campaignID)
}

func indexKey(workspaceID int) string {
	return fmt.Sprintf("trigger:index:%d", workspaceID)
}

func cooldownKey(campaignID, contactID int) string {
	return fmt.Sprintf("trigger:cooldown:%d:%d", campaignID, contactID)
}

func countKey(campaignID, contactID int) string {
	return fmt.Sprintf("trigger:count:%d:%d", campaignID, contactID)
}

// Activate stores the campaign's trigger config and indexes it under the
// workspace's active-trigger set.
func (e *Evaluator) Activate(ctx context.Context, campaign *model.Campaign) error {
	if campaign.Kind != model.KindTrigger {
		return appErrors.NewValidation("campaign %d is not a trigger campaign", campaign.ID)
	}
	if campaign.Trigger == nil || len(campaign.Trigger.Conditions) == 0 {
		return appErrors.NewValidation("trigger campaign %d has no conditions", campaign.ID)
	}

	raw, err := json.Marshal(campaign.Trigger)
	if err != nil {
		return err
	}
	// Config lives until deactivated.
	if err := e.KV.Set(ctx, configKey(campaign.ID), string(raw), 0); err != nil {
		return err
	}
	return e.KV.SAdd(ctx, indexKey(campaign.WorkspaceID), strconv.Itoa(campaign.ID))
}

// Deactivate removes the config and the workspace index entry. Cooldown
// markers are left to expire on their own.
func (e *Evaluator) Deactivate(ctx context.Context, campaign *model.Campaign) error {
	if err := e.KV.Delete(ctx, configKey(campaign.ID)); err != nil {
		return err
	}
	return e.KV.SRem(ctx, indexKey(campaign.WorkspaceID), strconv.Itoa(campaign.ID))
}

// EvaluateEvent runs the event against every active trigger campaign in the
// workspace and returns the campaign ids that fired.
func (e *Evaluator) EvaluateEvent(ctx context.Context, workspaceID int, contact *model.Contact, ev Event) ([]int, error) {
	members, err := e.KV.SMembers(ctx, indexKey(workspaceID))
	if err != nil {
		return nil, err
	}

	fired := []int{}
	for _, member := range members {
		campaignID, err := strconv.Atoi(member)
		if err != nil {
			continue
		}

		cfg, err := e.loadConfig(ctx, campaignID)
		if err != nil {
			return fired, err
		}
		if cfg == nil {
			// Stale index entry; drop it.
			if err := e.KV.SRem(ctx, indexKey(workspaceID), member); err != nil {
				log.Println("⚠️ failed to prune stale trigger index entry:", err)
			}
			continue
		}

		ok, err := e.shouldFire(ctx, campaignID, contact, cfg, ev)
		if err != nil {
			return fired, err
		}
		if !ok {
			continue
		}

		if err := e.Queue.Enqueue(ctx, queue.Job{
			Type:       queue.JobTriggerFire,
			CampaignID: campaignID,
			ContactID:  contact.ID,
		}, 0, e.MaxAttempts); err != nil {
			return fired, err
		}

		if cfg.CooldownMinutes > 0 {
			cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
			if err := e.KV.Set(ctx, cooldownKey(campaignID, contact.ID), "1", cooldown); err != nil {
				log.Println("⚠️ failed to set trigger cooldown:", err)
			}
		}
		if n, err := e.KV.IncrBy(ctx, countKey(campaignID, contact.ID), 1); err != nil {
			log.Println("⚠️ failed to bump trigger count:", err)
		} else if n == 1 {
			if err := e.KV.Expire(ctx, countKey(campaignID, contact.ID), countTTL); err != nil {
				log.Println("⚠️ failed to expire trigger count:", err)
			}
		}
		fired = append(fired, campaignID)
	}
	return fired, nil
}

func (e *Evaluator) loadConfig(ctx context.Context, campaignID int) (*model.TriggerConfig, error) {
	raw, ok, err := e.KV.Get(ctx, configKey(campaignID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var cfg model.TriggerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e *Evaluator) shouldFire(ctx context.Context, campaignID int, contact *model.Contact, cfg *model.TriggerConfig, ev Event) (bool, error) {
	// Cooldown marker still present?
	if _, onCooldown, err := e.KV.Get(ctx, cooldownKey(campaignID, contact.ID)); err != nil {
		return false, err
	} else if onCooldown {
		return false, nil
	}

	// Per-contact trigger cap.
	if cfg.MaxTriggersPerContact > 0 {
		raw, ok, err := e.KV.Get(ctx, countKey(campaignID, contact.ID))
		if err != nil {
			return false, err
		}
		if ok {
			count, _ := strconv.Atoi(raw)
			if count >= cfg.MaxTriggersPerContact {
				return false, nil
			}
		}
	}

	return matchConditions(cfg, contact, ev, e.now()), nil
}

func matchConditions(cfg *model.TriggerConfig, contact *model.Contact, ev Event, now time.Time) bool {
	if cfg.MatchAll {
		for _, cond := range cfg.Conditions {
			if !matchCondition(cond, contact, ev, now) {
				return false
			}
		}
		return true
	}
	for _, cond := range cfg.Conditions {
		if matchCondition(cond, contact, ev, now) {
			return true
		}
	}
	return false
}

// matchCondition evaluates one condition. A condition whose type differs
// from the event type is always false.
func matchCondition(cond model.TriggerCondition, contact *model.Contact, ev Event, now time.Time) bool {
	if cond.Type != ev.Type {
		return false
	}

	switch cond.Type {
	case model.TriggerNewContact:
		return true
	case model.TriggerTagAdded, model.TriggerTagRemoved:
		return cond.Value == ev.Tag
	case model.TriggerEngagement:
		return cond.Value == contact.Engagement
	case model.TriggerCustomField:
		return matchCustomField(cond, contact)
	case model.TriggerInactivity:
		threshold, err := strconv.Atoi(cond.Value)
		if err != nil {
			return false
		}
		last := lastInteraction(contact)
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Duration(threshold)*24*time.Hour
	}
	return false
}

func lastInteraction(contact *model.Contact) *time.Time {
	in, out := contact.LastInboundAt, contact.LastOutboundAt
	switch {
	case in == nil:
		return out
	case out == nil:
		return in
	case out.After(*in):
		return out
	}
	return in
}

func matchCustomField(cond model.TriggerCondition, contact *model.Contact) bool {
	actual, ok := contact.CustomFields[cond.Field]
	if !ok {
		return false
	}
	switch cond.Operator {
	case model.OpEquals:
		return actual == cond.Value
	case model.OpContains:
		return strings.Contains(actual, cond.Value)
	case model.OpGreaterThan, model.OpLessThan:
		a, errA := strconv.ParseFloat(actual, 64)
		b, errB := strconv.ParseFloat(cond.Value, 64)
		if errA != nil || errB != nil {
			return false
		}
		if cond.Operator == model.OpGreaterThan {
			return a > b
		}
		return a < b
	case model.OpIn:
		for _, candidate := range strings.Split(cond.Value, ",") {
			if strings.TrimSpace(candidate) == actual {
				return true
			}
		}
		return false
	}
	return false
}
