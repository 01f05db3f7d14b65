package pipeline

import (
	"context"
	"fmt"
	"time"

	"celebot/internal/cards"
	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

// RunPreview instantiates this year's occurrence for every event coming
// up within the horizon and queues a reminder to each event's owner.
//
// Problems with a single event (missing owner record, enqueue failure)
// are logged and skipped; they never abort the pass for other events.
func (p *Pipeline) RunPreview(ctx context.Context, now time.Time) error {
	events, err := p.store.UpcomingEvents(ctx, now, p.cfg.PreviewHorizonDays)
	if err != nil {
		return fmt.Errorf("load upcoming events: %w", err)
	}

	created, queued := 0, 0
	for _, ev := range events {
		occ, err := p.store.CreateOccurrence(ctx, ev, now)
		if err != nil {
			p.log.Error("failed to create occurrence",
				logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		if occ == nil {
			// Already instantiated this year; the owner was reminded then.
			continue
		}
		created++

		user, err := p.store.UserByID(ctx, ev.OwnerID)
		if err != nil {
			p.log.Error("failed to load event owner",
				logx.String("event_id", ev.ID),
				logx.String("owner_id", ev.OwnerID), logx.Err(err))
			continue
		}
		if user == nil || user.ConversationID == "" {
			p.log.Warn("event owner has no personal conversation, skipping preview",
				logx.String("event_id", ev.ID),
				logx.String("owner_id", ev.OwnerID))
			continue
		}

		act := model.Activity{
			Kind:       model.KindPreview,
			Type:       "message",
			ServiceURL: user.ServiceURL,
			Conversation: model.Conversation{
				ID: user.ConversationID,
			},
			Text:        previewText(user.Name, p.cfg.PreviewHorizonDays),
			Attachments: []model.Attachment{cards.PreviewCard(ev, occ.ID, occ.Date)},
		}
		if err := p.out.Enqueue(ctx, act); err != nil {
			p.log.Error("failed to queue preview",
				logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		queued++
	}

	p.log.Info("preview pass finished",
		logx.Int("upcoming", len(events)),
		logx.Int("created", created),
		logx.Int("queued", queued))
	return nil
}

func previewText(name string, horizonDays int) string {
	return fmt.Sprintf(
		"Hi %s, you have an event coming up in the next %d days! It will be shared with your teams on the day itself, or use the skip button below to sit this year out.",
		name, horizonDays)
}
