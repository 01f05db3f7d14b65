package pipeline

import (
	"fmt"
	"strings"

	"celebot/internal/cards"
	"celebot/internal/model"
)

// buildTeamActivities renders one team's notifications into channel
// activities. Notifications are cut into consecutive batches of at most
// BatchSize; a small batch (MergeThreshold or fewer) becomes individual
// messages, a larger one becomes a single merged carousel so a busy day
// does not flood the channel.
func (p *Pipeline) buildTeamActivities(team model.Team, notes []model.Notification) []model.Activity {
	var acts []model.Activity
	for start := 0; start < len(notes); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(notes))
		batch := notes[start:end]
		if len(batch) <= p.cfg.MergeThreshold {
			for _, n := range batch {
				acts = append(acts, p.individualActivity(team, n))
			}
		} else {
			acts = append(acts, p.mergedActivity(team, batch))
		}
	}
	return acts
}

func (p *Pipeline) individualActivity(team model.Team, n model.Notification) model.Activity {
	return model.Activity{
		Kind:       model.KindCelebration,
		Type:       "message",
		ServiceURL: team.ServiceURL,
		Conversation: model.Conversation{
			ID:   team.MessageTarget(),
			Type: model.ChannelConversationType,
		},
		TeamID:        team.TeamID,
		Text:          celebrationLine(n),
		Summary:       fmt.Sprintf("%s is celebrating %s", n.OwnerName, n.EventTitle),
		Attachments:   []model.Attachment{cards.EventCard(n)},
		Mentions:      []model.Mention{mentionFor(n)},
		OccurrenceIDs: []string{n.OccurrenceID},
	}
}

func (p *Pipeline) mergedActivity(team model.Team, batch []model.Notification) model.Activity {
	lines := make([]string, 0, len(batch))
	attachments := make([]model.Attachment, 0, len(batch))
	mentions := make([]model.Mention, 0, len(batch))
	occIDs := make([]string, 0, len(batch))
	for _, n := range batch {
		lines = append(lines, celebrationLine(n))
		attachments = append(attachments, cards.EventCard(n))
		mentions = append(mentions, mentionFor(n))
		occIDs = append(occIDs, n.OccurrenceID)
	}

	return model.Activity{
		Kind:       model.KindCelebration,
		Type:       "message",
		ServiceURL: team.ServiceURL,
		Conversation: model.Conversation{
			ID:   team.MessageTarget(),
			Type: model.ChannelConversationType,
		},
		TeamID:           team.TeamID,
		Text:             mergedText(lines),
		Summary:          fmt.Sprintf("%d celebrations today", len(batch)),
		AttachmentLayout: cards.CarouselLayout,
		Attachments:      attachments,
		Mentions:         mentions,
		OccurrenceIDs:    occIDs,
	}
}

func celebrationLine(n model.Notification) string {
	return fmt.Sprintf("<at>%s</at> is celebrating %s", n.OwnerName, n.EventTitle)
}

func mentionFor(n model.Notification) model.Mention {
	return model.Mention{
		Type: "mention",
		Text: fmt.Sprintf("<at>%s</at>", n.OwnerName),
		Mentioned: model.Account{
			ID:   n.OwnerChatID,
			Name: n.OwnerName,
		},
	}
}

func mergedText(lines []string) string {
	return fmt.Sprintf(
		"Stop the presses! Today %s. That's a lot of merrymaking for one day. Pace yourselves!",
		joinAnd(lines))
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
