// Package dispatch delivers queued activities through the gateway,
// applying the outbound rate limit, the mention conversation flow, and
// the missing-channel fallback.
package dispatch

import (
	"context"

	"golang.org/x/time/rate"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

// Gateway is the connector surface the dispatcher needs.
type Gateway interface {
	SendToConversation(ctx context.Context, act *model.Activity) (model.DeliveryStatus, error)
	CreateConversation(ctx context.Context, act *model.Activity, channelID string) (string, model.DeliveryStatus, error)
}

// TeamStore resolves teams for the missing-channel fallback.
type TeamStore interface {
	TeamByID(ctx context.Context, id string) (*model.Team, error)
	ResetActiveChannel(ctx context.Context, teamID string) error
}

type Dispatcher struct {
	gw      Gateway
	teams   TeamStore
	limiter *rate.Limiter
	log     logx.Logger
}

func New(gw Gateway, teams TeamStore, ratePerSec int, log logx.Logger) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = 8
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		gw:      gw,
		teams:   teams,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
	}
}

// SetRate adjusts the outbound rate limit at runtime.
func (d *Dispatcher) SetRate(perSec int) {
	if perSec <= 0 {
		return
	}
	d.limiter.SetLimit(rate.Limit(perSec))
	d.limiter.SetBurst(perSec)
}

// Deliver sends one activity and reports the classified outcome.
//
// Channel activities whose target channel no longer exists get one
// fallback attempt at the team's default channel; the channel override
// is reset in storage so later sends skip the dead channel. A second
// not-found is reported as a plain failure.
func (d *Dispatcher) Deliver(ctx context.Context, act *model.Activity) (model.DeliveryStatus, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return model.StatusUnknown, err
	}

	status, err := d.sendOnce(ctx, act)
	if err != nil {
		return status, err
	}
	if status != model.StatusNotFound || !act.IsChannel() || act.TeamID == "" {
		return status, nil
	}

	team, terr := d.teams.TeamByID(ctx, act.TeamID)
	if terr != nil {
		return model.StatusNotFound, terr
	}
	if team == nil || act.Conversation.ID == team.TeamID {
		// Already aimed at the default channel; nothing left to fall
		// back to.
		d.log.Error("default channel not found, dropping activity",
			logx.String("team_id", act.TeamID),
			logx.String("conversation_id", act.Conversation.ID))
		return model.StatusFailed, nil
	}

	d.log.Warn("channel not found, falling back to default channel",
		logx.String("team_id", act.TeamID),
		logx.String("channel_id", act.Conversation.ID))
	if err := d.teams.ResetActiveChannel(ctx, act.TeamID); err != nil {
		d.log.Error("failed to reset active channel",
			logx.String("team_id", act.TeamID), logx.Err(err))
	}

	act.Conversation.ID = team.TeamID
	// The retry is an extra outbound send and counts against the rate
	// limit like any other.
	if err := d.limiter.Wait(ctx); err != nil {
		return model.StatusUnknown, err
	}
	status, err = d.sendOnce(ctx, act)
	if err != nil {
		return status, err
	}
	if status == model.StatusNotFound {
		return model.StatusFailed, nil
	}
	return status, nil
}

// sendOnce routes the activity through the right connector flow.
//
// Mentions only render in messages that start a conversation thread, so
// a channel activity carrying mentions goes through create-conversation
// with the mention text as the seed, then a follow-up send delivers the
// cards into the new thread.
func (d *Dispatcher) sendOnce(ctx context.Context, act *model.Activity) (model.DeliveryStatus, error) {
	if !act.IsChannel() || len(act.Mentions) == 0 {
		return d.gw.SendToConversation(ctx, act)
	}

	convID, status, err := d.gw.CreateConversation(ctx, act, act.Conversation.ID)
	if err != nil || status != model.StatusSucceeded {
		return status, err
	}
	act.Conversation.ID = convID

	follow := *act
	follow.Text = ""
	follow.Mentions = nil
	return d.gw.SendToConversation(ctx, &follow)
}
