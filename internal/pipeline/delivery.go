package pipeline

import (
	"context"
	"fmt"
	"time"

	"celebot/internal/model"
	"celebot/internal/queue"
	logx "celebot/pkg/logx"
)

// DeliverDue fans every due occurrence out to its teams: notifications
// are grouped per team, rendered into batched activities, queued, and
// the covered occurrences move to Delivering with their expected
// delivery count recorded.
//
// An occurrence none of whose teams resolve stays in Initial so a later
// pass can retry once the team records catch up.
func (p *Pipeline) DeliverDue(ctx context.Context, now time.Time) error {
	occs, err := p.store.DueOccurrencesInInitialState(ctx, now)
	if err != nil {
		return fmt.Errorf("load due occurrences: %w", err)
	}
	if len(occs) == 0 {
		return nil
	}

	groups, err := p.groupByTeam(ctx, occs)
	if err != nil {
		return err
	}

	var acts []model.Activity
	for _, teamID := range teamIDs(groups) {
		team, err := p.store.TeamByID(ctx, teamID)
		if err != nil {
			return err
		}
		if team == nil {
			p.log.Warn("shared team unknown, dropping its notifications",
				logx.String("team_id", teamID),
				logx.Int("notifications", len(groups[teamID])))
			continue
		}
		acts = append(acts, p.buildTeamActivities(*team, groups[teamID])...)
	}
	if len(acts) == 0 {
		p.log.Info("delivery pass produced no activities",
			logx.Int("due", len(occs)))
		return nil
	}

	// Expected = how many activities reference each occurrence. The
	// queue consumer uses it to detect completion.
	expected := make(map[string]int)
	for _, act := range acts {
		for _, id := range act.OccurrenceIDs {
			expected[id]++
		}
	}

	for start := 0; start < len(acts); start += queue.MaxBatch {
		end := min(start+queue.MaxBatch, len(acts))
		if err := p.out.EnqueueBatch(ctx, acts[start:end]); err != nil {
			return fmt.Errorf("queue activities: %w", err)
		}
	}

	for id, n := range expected {
		if err := p.store.SetOccurrenceExpected(ctx, id, n); err != nil {
			return err
		}
		if err := p.store.SetOccurrenceState(ctx, id, model.StateDelivering); err != nil {
			return err
		}
	}

	p.log.Info("delivery pass finished",
		logx.Int("due", len(occs)),
		logx.Int("activities", len(acts)),
		logx.Int("occurrences", len(expected)))
	return nil
}
