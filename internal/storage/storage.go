package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

// Config configures the SQLite entity store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the pipeline and dispatcher.
//
// Lookups return (nil, nil) for missing records unless documented
// otherwise; the pipeline treats missing collaborator records as
// skip-conditions, not failures.
type Store interface {
	// Events.
	PutEvent(ctx context.Context, ev model.Event) error
	EventByID(ctx context.Context, id string) (*model.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	EventsByOwner(ctx context.Context, ownerID string) ([]model.Event, error)
	// UpcomingEvents returns events whose month-day falls within the next
	// horizonDays days of now, honoring the Feb-29 inclusion rule in
	// non-leap years.
	UpcomingEvents(ctx context.Context, now time.Time, horizonDays int) ([]model.Event, error)
	ShareEventWithTeam(ctx context.Context, eventID, teamID string) error
	// StopSharingTeam drops teamID from every event's audience list.
	StopSharingTeam(ctx context.Context, teamID string) error

	// Occurrences.
	//
	// CreateOccurrence conditionally instantiates this year's occurrence
	// for ev. It returns (nil, nil) when one already exists in now's year,
	// which is what enforces the one-per-event-per-year invariant.
	CreateOccurrence(ctx context.Context, ev model.Event, now time.Time) (*model.Occurrence, error)
	OccurrenceByID(ctx context.Context, id string) (*model.Occurrence, error)
	OccurrenceInYear(ctx context.Context, eventID string, year int) (*model.Occurrence, error)
	// DueOccurrencesInInitialState returns occurrences with date <= now
	// still in the Initial state.
	DueOccurrencesInInitialState(ctx context.Context, now time.Time) ([]model.Occurrence, error)
	// SetOccurrenceState no-ops when id does not exist; callers log.
	SetOccurrenceState(ctx context.Context, id string, state model.OccurrenceState) error
	SetOccurrenceExpected(ctx context.Context, id string, n int) error
	// RecordDeliveryOutcome bumps the per-status delivery counters and
	// returns the updated occurrence (nil if id is unknown).
	RecordDeliveryOutcome(ctx context.Context, id string, status model.DeliveryStatus) (*model.Occurrence, error)
	DeleteInitialOccurrencesByEvent(ctx context.Context, eventID string) error
	// ReleaseStaleDelivering flips occurrences stuck in Delivering since
	// before the given time back to Initial so the next delivery pass can
	// retry them. Returns the number of released occurrences.
	ReleaseStaleDelivering(ctx context.Context, before time.Time) (int64, error)

	// Teams.
	PutTeam(ctx context.Context, t model.Team) error
	TeamByID(ctx context.Context, id string) (*model.Team, error)
	// ResetActiveChannel clears a team's active-channel override so
	// messages fall back to the default channel. Persisted.
	ResetActiveChannel(ctx context.Context, teamID string) error

	// Users.
	PutUser(ctx context.Context, u model.User) error
	UserByID(ctx context.Context, id string) (*model.User, error)

	Close() error
}

// NewID returns a fresh record id.
func NewID() string { return uuid.NewString() }

// Open initializes the SQLite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}

// OccurrenceDate computes the date of this year's occurrence of an event.
// If the event date is Feb 29 and now's year is not a leap year, Feb 28 is
// used instead; otherwise the occurrence would never come due that year.
func OccurrenceDate(eventDate, now time.Time) time.Time {
	year := now.UTC().Year()
	month := eventDate.Month()
	day := eventDate.Day()
	if !isLeapYear(year) && month == time.February && day > 28 {
		day = 28
	}
	return time.Date(year, month, day,
		eventDate.Hour(), eventDate.Minute(), eventDate.Second(), 0, time.UTC)
}

// UpcomingMonthDays lists the "MMdd" pairs due within the next horizon days.
// In a non-leap year "0229" is added once the window would cross Feb 29,
// so leap-day events still get their preview.
func UpcomingMonthDays(now time.Time, horizon int) []string {
	now = now.UTC()
	pairs := make([]string, 0, horizon+1)
	for i := 0; i < horizon; i++ {
		pairs = append(pairs, now.AddDate(0, 0, i).Format("0102"))
	}
	if !isLeapYear(now.Year()) &&
		now.Month() == time.February &&
		now.Day() <= 29 &&
		29-now.Day() < horizon {
		pairs = append(pairs, "0229")
	}
	return pairs
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
