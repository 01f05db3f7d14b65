package pipeline

import (
	"context"
	"time"

	logx "celebot/pkg/logx"
)

// Reconcile releases occurrences stuck in Delivering longer than the
// staleness window back to Initial. A crash between queueing and acking
// can strand occurrences there; releasing them lets the next delivery
// pass retry, at the cost of a possible duplicate message.
func (p *Pipeline) Reconcile(ctx context.Context, now time.Time) error {
	released, err := p.store.ReleaseStaleDelivering(ctx, now.Add(-p.cfg.DeliveringStale))
	if err != nil {
		return err
	}
	if released > 0 {
		p.log.Warn("released stale delivering occurrences",
			logx.Int64("released", released),
			logx.Duration("stale_after", p.cfg.DeliveringStale))
	}
	return nil
}
