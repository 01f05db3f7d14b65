package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dates are stored as second-resolution RFC3339 UTC strings so that
// lexical SQL comparisons order them correctly.
func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- Events ----

func (s *sqliteStore) PutEvent(ctx context.Context, ev model.Event) error {
	if strings.TrimSpace(ev.ID) == "" {
		return errors.New("event id is required")
	}
	if ev.MonthDay == "" {
		ev.MonthDay = model.MonthDayOf(ev.Date)
	}
	teams, err := json.Marshal(ev.SharedTeams)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prevMonthDay string
	err = tx.QueryRowContext(ctx, `SELECT month_day FROM events WHERE id = ?`, ev.ID).Scan(&prevMonthDay)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(id, event_type, title, message, image, event_date, month_day, timezone, owner_id, owner_name, owner_chat_id, shared_teams)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   event_type=excluded.event_type, title=excluded.title, message=excluded.message,
		   image=excluded.image, event_date=excluded.event_date, month_day=excluded.month_day,
		   timezone=excluded.timezone, owner_id=excluded.owner_id, owner_name=excluded.owner_name,
		   owner_chat_id=excluded.owner_chat_id, shared_teams=excluded.shared_teams`,
		ev.ID, ev.EventType, ev.Title, ev.Message, ev.Image, fmtTime(ev.Date), ev.MonthDay,
		ev.TimeZone, ev.OwnerID, ev.OwnerName, ev.OwnerChatID, string(teams),
	)
	if err != nil {
		return err
	}

	// A date change invalidates pending occurrences: purge the ones still in
	// Initial so the next preview pass re-creates them on the new date.
	if prevMonthDay != "" && prevMonthDay != ev.MonthDay {
		if err := deleteInitialOccurrences(ctx, tx, ev.ID); err != nil {
			return err
		}
		s.log.Debug("event date changed; purged pending occurrences",
			logx.String("event_id", ev.ID), logx.String("month_day", ev.MonthDay))
	}

	return tx.Commit()
}

func (s *sqliteStore) EventByID(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, eventSelect+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) EventsByOwner(ctx context.Context, ownerID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, eventSelect+` WHERE owner_id = ? ORDER BY month_day`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqliteStore) UpcomingEvents(ctx context.Context, now time.Time, horizonDays int) ([]model.Event, error) {
	pairs := UpcomingMonthDays(now, horizonDays)
	if len(pairs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(pairs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(pairs))
	for i, p := range pairs {
		args[i] = p
	}
	rows, err := s.db.QueryContext(ctx,
		eventSelect+` WHERE month_day IN (`+placeholders+`) ORDER BY month_day, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqliteStore) ShareEventWithTeam(ctx context.Context, eventID, teamID string) error {
	ev, err := s.EventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	if slices.Contains(ev.SharedTeams, teamID) {
		return nil
	}
	ev.SharedTeams = append(ev.SharedTeams, teamID)
	return s.updateSharedTeams(ctx, ev.ID, ev.SharedTeams)
}

func (s *sqliteStore) StopSharingTeam(ctx context.Context, teamID string) error {
	rows, err := s.db.QueryContext(ctx,
		eventSelect+` WHERE shared_teams LIKE '%' || ? || '%'`, teamID)
	if err != nil {
		return err
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if !slices.Contains(ev.SharedTeams, teamID) {
			// LIKE is only a pre-filter; substring matches can be spurious.
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(ev.SharedTeams), func(id string) bool { return id == teamID })
		if err := s.updateSharedTeams(ctx, ev.ID, kept); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) updateSharedTeams(ctx context.Context, eventID string, teams []string) error {
	b, err := json.Marshal(teams)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE events SET shared_teams = ? WHERE id = ?`, string(b), eventID)
	return err
}

const eventSelect = `SELECT id, event_type, title, message, image, event_date, month_day, timezone, owner_id, owner_name, owner_chat_id, shared_teams FROM events`

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(r rowScanner) (*model.Event, error) {
	var ev model.Event
	var date, teams string
	if err := r.Scan(&ev.ID, &ev.EventType, &ev.Title, &ev.Message, &ev.Image, &date,
		&ev.MonthDay, &ev.TimeZone, &ev.OwnerID, &ev.OwnerName, &ev.OwnerChatID, &teams); err != nil {
		return nil, err
	}
	ev.Date = parseTime(date)
	if err := json.Unmarshal([]byte(teams), &ev.SharedTeams); err != nil {
		return nil, fmt.Errorf("event %s: bad shared_teams: %w", ev.ID, err)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ---- Occurrences ----

func (s *sqliteStore) CreateOccurrence(ctx context.Context, ev model.Event, now time.Time) (*model.Occurrence, error) {
	year := now.UTC().Year()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM occurrences WHERE event_id = ? AND year = ?`, ev.ID, year).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	occ := &model.Occurrence{
		ID:       NewID(),
		EventID:  ev.ID,
		Date:     OccurrenceDate(ev.Date, now),
		TimeZone: ev.TimeZone,
		OwnerID:  ev.OwnerID,
		State:    model.StateInitial,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO occurrences(id, event_id, date, year, timezone, owner_id, state, state_changed_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		occ.ID, occ.EventID, fmtTime(occ.Date), year, occ.TimeZone, occ.OwnerID,
		int(occ.State), fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return occ, nil
}

func (s *sqliteStore) OccurrenceByID(ctx context.Context, id string) (*model.Occurrence, error) {
	row := s.db.QueryRowContext(ctx, occurrenceSelect+` WHERE id = ?`, id)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return occ, nil
}

func (s *sqliteStore) OccurrenceInYear(ctx context.Context, eventID string, year int) (*model.Occurrence, error) {
	row := s.db.QueryRowContext(ctx,
		occurrenceSelect+` WHERE event_id = ? AND year = ?`, eventID, year)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return occ, nil
}

func (s *sqliteStore) DueOccurrencesInInitialState(ctx context.Context, now time.Time) ([]model.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		occurrenceSelect+` WHERE state = ? AND date <= ? ORDER BY date, id`,
		int(model.StateInitial), fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *occ)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetOccurrenceState(ctx context.Context, id string, state model.OccurrenceState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET state = ?, state_changed_at = ? WHERE id = ?`,
		int(state), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Debug("state change for unknown occurrence ignored",
			logx.String("occurrence_id", id), logx.String("state", state.String()))
	}
	return nil
}

func (s *sqliteStore) SetOccurrenceExpected(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE occurrences SET expected = ? WHERE id = ?`, n, id)
	return err
}

func (s *sqliteStore) RecordDeliveryOutcome(ctx context.Context, id string, status model.DeliveryStatus) (*model.Occurrence, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, occurrenceSelect+` WHERE id = ?`, id)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case model.StatusSucceeded:
		occ.Succeeded++
		if occ.SentDate.IsZero() {
			occ.SentDate = time.Now().UTC().Truncate(time.Second)
		}
	case model.StatusThrottled:
		occ.Throttled++
	default:
		occ.Failed++
	}
	occ.Total++
	occ.Completed = occ.Expected > 0 && occ.Total >= occ.Expected

	sent := ""
	if !occ.SentDate.IsZero() {
		sent = fmtTime(occ.SentDate)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE occurrences SET succeeded=?, failed=?, throttled=?, total=?, completed=?, sent_date=? WHERE id=?`,
		occ.Succeeded, occ.Failed, occ.Throttled, occ.Total, boolToInt(occ.Completed), sent, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return occ, nil
}

func (s *sqliteStore) DeleteInitialOccurrencesByEvent(ctx context.Context, eventID string) error {
	return deleteInitialOccurrences(ctx, s.db, eventID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// deleteInitialOccurrences drops an event's pending occurrences; ones
// already past Initial keep their delivery history.
func deleteInitialOccurrences(ctx context.Context, db execer, eventID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM occurrences WHERE event_id = ? AND state = ?`,
		eventID, int(model.StateInitial))
	return err
}

func (s *sqliteStore) ReleaseStaleDelivering(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET state = ?, state_changed_at = ? WHERE state = ? AND state_changed_at < ?`,
		int(model.StateInitial), fmtTime(time.Now()), int(model.StateDelivering), fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const occurrenceSelect = `SELECT id, event_id, date, timezone, owner_id, state, sent_date, succeeded, failed, throttled, total, expected, completed, error FROM occurrences`

func scanOccurrence(r rowScanner) (*model.Occurrence, error) {
	var occ model.Occurrence
	var date, sent string
	var state, completed int
	if err := r.Scan(&occ.ID, &occ.EventID, &date, &occ.TimeZone, &occ.OwnerID, &state,
		&sent, &occ.Succeeded, &occ.Failed, &occ.Throttled, &occ.Total, &occ.Expected,
		&completed, &occ.Error); err != nil {
		return nil, err
	}
	occ.Date = parseTime(date)
	occ.SentDate = parseTime(sent)
	occ.State = model.OccurrenceState(state)
	occ.Completed = completed != 0
	return &occ, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Teams ----

func (s *sqliteStore) PutTeam(ctx context.Context, t model.Team) error {
	if strings.TrimSpace(t.TeamID) == "" {
		return errors.New("team id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams(team_id, name, service_url, tenant_id, active_channel_id)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(team_id) DO UPDATE SET
		   name=excluded.name, service_url=excluded.service_url,
		   tenant_id=excluded.tenant_id, active_channel_id=excluded.active_channel_id`,
		t.TeamID, t.Name, t.ServiceURL, t.TenantID, t.ActiveChannelID)
	return err
}

func (s *sqliteStore) TeamByID(ctx context.Context, id string) (*model.Team, error) {
	var t model.Team
	err := s.db.QueryRowContext(ctx,
		`SELECT team_id, name, service_url, tenant_id, active_channel_id FROM teams WHERE team_id = ?`, id).
		Scan(&t.TeamID, &t.Name, &t.ServiceURL, &t.TenantID, &t.ActiveChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) ResetActiveChannel(ctx context.Context, teamID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE teams SET active_channel_id = '' WHERE team_id = ?`, teamID)
	return err
}

// ---- Users ----

func (s *sqliteStore) PutUser(ctx context.Context, u model.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, service_url, conversation_id)
		 VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, service_url=excluded.service_url,
		   conversation_id=excluded.conversation_id`,
		u.ID, u.Name, u.ServiceURL, u.ConversationID)
	return err
}

func (s *sqliteStore) UserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, service_url, conversation_id FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.ServiceURL, &u.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
