package pipeline

import (
	"context"
	"sort"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

// groupByTeam expands due occurrences into per-team notification lists.
//
// Occurrences whose event no longer exists are marked Deleted; ones
// whose event is shared with no team are marked Skipped. Neither kind
// comes back on the next pass.
func (p *Pipeline) groupByTeam(ctx context.Context, occs []model.Occurrence) (map[string][]model.Notification, error) {
	groups := make(map[string][]model.Notification)

	for _, occ := range occs {
		ev, err := p.store.EventByID(ctx, occ.EventID)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			p.log.Info("event gone, marking occurrence deleted",
				logx.String("occurrence_id", occ.ID),
				logx.String("event_id", occ.EventID))
			if err := p.store.SetOccurrenceState(ctx, occ.ID, model.StateDeleted); err != nil {
				return nil, err
			}
			continue
		}
		if len(ev.SharedTeams) == 0 {
			p.log.Info("event shared with no teams, skipping occurrence",
				logx.String("occurrence_id", occ.ID),
				logx.String("event_id", ev.ID))
			if err := p.store.SetOccurrenceState(ctx, occ.ID, model.StateSkipped); err != nil {
				return nil, err
			}
			continue
		}

		for _, teamID := range ev.SharedTeams {
			groups[teamID] = append(groups[teamID], model.Notification{
				TeamID:       teamID,
				OccurrenceID: occ.ID,
				OwnerName:    ev.OwnerName,
				OwnerChatID:  ev.OwnerChatID,
				EventTitle:   ev.Title,
				EventMessage: ev.Message,
				EventImage:   ev.Image,
			})
		}
	}
	return groups, nil
}

// teamIDs returns the group keys in a stable order so activity building
// and tests are deterministic.
func teamIDs(groups map[string][]model.Notification) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
