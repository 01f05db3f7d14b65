// Package pipeline turns stored events into delivered messages: the
// preview pass instantiates yearly occurrences and reminds owners, the
// delivery pass fans due occurrences out to team channels through the
// outbox, and the drain loop pushes the outbox through the dispatcher.
package pipeline

import (
	"context"
	"time"

	"celebot/internal/model"
	"celebot/internal/queue"
	logx "celebot/pkg/logx"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	UpcomingEvents(ctx context.Context, now time.Time, horizonDays int) ([]model.Event, error)
	EventByID(ctx context.Context, id string) (*model.Event, error)
	UserByID(ctx context.Context, id string) (*model.User, error)
	TeamByID(ctx context.Context, id string) (*model.Team, error)

	CreateOccurrence(ctx context.Context, ev model.Event, now time.Time) (*model.Occurrence, error)
	DueOccurrencesInInitialState(ctx context.Context, now time.Time) ([]model.Occurrence, error)
	SetOccurrenceState(ctx context.Context, id string, state model.OccurrenceState) error
	SetOccurrenceExpected(ctx context.Context, id string, n int) error
	RecordDeliveryOutcome(ctx context.Context, id string, status model.DeliveryStatus) (*model.Occurrence, error)
	ReleaseStaleDelivering(ctx context.Context, before time.Time) (int64, error)
}

// Outbox is the durable queue between the scheduled passes and the
// dispatcher.
type Outbox interface {
	Enqueue(ctx context.Context, act model.Activity) error
	EnqueueBatch(ctx context.Context, acts []model.Activity) error
	Lease(ctx context.Context, n int, leaseFor time.Duration, now time.Time) ([]queue.Message, error)
	Ack(ctx context.Context, id int64) error
	Nack(ctx context.Context, id int64) error
}

// Deliverer sends one activity and classifies the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, act *model.Activity) (model.DeliveryStatus, error)
}

type Config struct {
	// PreviewHorizonDays is how many days ahead the preview pass looks.
	PreviewHorizonDays int

	// BatchSize caps how many celebrations share one channel message.
	BatchSize int
	// MergeThreshold is the largest batch still sent as individual
	// messages; anything larger becomes one merged carousel.
	MergeThreshold int

	// LeaseFor is the outbox lease per drained message.
	LeaseFor time.Duration
	// DrainBatch is how many messages one drain pass leases.
	DrainBatch int
	// MaxAttempts drops a message after this many failed leases.
	MaxAttempts int

	// DeliveringStale is how long an occurrence may sit in Delivering
	// before reconciliation releases it back to Initial.
	DeliveringStale time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreviewHorizonDays <= 0 {
		c.PreviewHorizonDays = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 6
	}
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = 3
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = 2 * time.Minute
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DeliveringStale <= 0 {
		c.DeliveringStale = 24 * time.Hour
	}
	return c
}

type Pipeline struct {
	cfg   Config
	store Store
	out   Outbox
	del   Deliverer
	log   logx.Logger
}

func New(cfg Config, store Store, out Outbox, del Deliverer, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		cfg:   cfg.withDefaults(),
		store: store,
		out:   out,
		del:   del,
		log:   log,
	}
}
