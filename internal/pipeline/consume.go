package pipeline

import (
	"context"
	"time"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

// Drain leases a batch from the outbox and pushes it through the
// dispatcher. Delivered messages are acked; failures are nacked for
// redelivery until MaxAttempts, then dropped with their occurrences
// recorded as failed so nothing waits on them forever.
func (p *Pipeline) Drain(ctx context.Context, now time.Time) error {
	msgs, err := p.out.Lease(ctx, p.cfg.DrainBatch, p.cfg.LeaseFor, now)
	if err != nil {
		return err
	}

	for i := range msgs {
		msg := &msgs[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		status, err := p.del.Deliver(ctx, &msg.Activity)
		if err != nil {
			if msg.Attempts >= p.cfg.MaxAttempts {
				p.log.Error("dropping message after repeated failures",
					logx.Int64("message_id", msg.ID),
					logx.Int("attempts", msg.Attempts),
					logx.Err(err))
				p.recordOutcomes(ctx, msg.Activity, model.StatusFailed)
				if aerr := p.out.Ack(ctx, msg.ID); aerr != nil {
					return aerr
				}
				continue
			}
			p.log.Warn("delivery failed, requeueing",
				logx.Int64("message_id", msg.ID),
				logx.Int("attempts", msg.Attempts),
				logx.Err(err))
			if nerr := p.out.Nack(ctx, msg.ID); nerr != nil {
				return nerr
			}
			continue
		}

		p.recordOutcomes(ctx, msg.Activity, status)
		if err := p.out.Ack(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// recordOutcomes books the delivery result against each occurrence the
// activity celebrates and finishes occurrences whose expected count is
// reached. Preview activities track nothing.
func (p *Pipeline) recordOutcomes(ctx context.Context, act model.Activity, status model.DeliveryStatus) {
	for _, id := range act.OccurrenceIDs {
		occ, err := p.store.RecordDeliveryOutcome(ctx, id, status)
		if err != nil {
			p.log.Error("failed to record delivery outcome",
				logx.String("occurrence_id", id),
				logx.String("status", status.String()),
				logx.Err(err))
			continue
		}
		if occ == nil {
			p.log.Warn("delivery outcome for unknown occurrence",
				logx.String("occurrence_id", id))
			continue
		}
		// Delivered requires at least one successful send; a fully
		// failed occurrence stays in Delivering for reconciliation to
		// release.
		if occ.Completed && occ.Succeeded > 0 && occ.State == model.StateDelivering {
			if err := p.store.SetOccurrenceState(ctx, id, model.StateDelivered); err != nil {
				p.log.Error("failed to finish occurrence",
					logx.String("occurrence_id", id), logx.Err(err))
			}
		}
	}
}
