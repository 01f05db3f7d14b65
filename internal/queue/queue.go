// Package queue is a durable SQLite-backed outbox for outbound activities.
//
// Producers enqueue serialized activities; the consumer leases a batch,
// delivers each message, and acks it. A message whose lease expires
// without an ack becomes visible again, which gives at-least-once
// delivery across process restarts.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// MaxBatch caps a single EnqueueBatch call.
const MaxBatch = 100

// ErrBatchTooLarge is returned when EnqueueBatch is called with more
// than MaxBatch activities.
var ErrBatchTooLarge = errors.New("queue: batch exceeds maximum size")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Message is a leased outbox entry.
type Message struct {
	ID       int64
	Activity model.Activity
	Attempts int
}

type Queue struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Queue{db: db, log: log}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Enqueue appends one activity to the outbox.
func (q *Queue) Enqueue(ctx context.Context, act model.Activity) error {
	return q.EnqueueBatch(ctx, []model.Activity{act})
}

// EnqueueBatch appends up to MaxBatch activities in one transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, acts []model.Activity) error {
	if len(acts) == 0 {
		return nil
	}
	if len(acts) > MaxBatch {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(acts), MaxBatch)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	for _, act := range acts {
		body, err := json.Marshal(act)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox(body, enqueued_at) VALUES(?, ?)`,
			string(body), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Lease claims up to n visible messages, in FIFO order, for leaseFor.
// Leased messages stay invisible to other Lease calls until the lease
// expires or they are nacked.
func (q *Queue) Lease(ctx context.Context, n int, leaseFor time.Duration, now time.Time) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := fmtTime(now)
	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, attempts FROM outbox
		 WHERE lease_until = '' OR lease_until <= ?
		 ORDER BY id LIMIT ?`, cutoff, n)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	for rows.Next() {
		var m Message
		var body string
		if err := rows.Scan(&m.ID, &body, &m.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &m.Activity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox message %d: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	until := fmtTime(now.Add(leaseFor))
	for i := range msgs {
		msgs[i].Attempts++
		if msgs[i].Attempts > 1 {
			q.log.Debug("redelivering outbox message",
				logx.Int64("message_id", msgs[i].ID),
				logx.Int("attempts", msgs[i].Attempts))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET lease_until = ?, attempts = attempts + 1 WHERE id = ?`,
			until, msgs[i].ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Ack removes a delivered message.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// Nack releases a message's lease so the next Lease call can pick it
// up immediately instead of waiting for the lease to expire.
func (q *Queue) Nack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE outbox SET lease_until = '' WHERE id = ?`, id)
	return err
}

// Depth reports how many messages are in the outbox, leased or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM outbox`).Scan(&n)
	return n, err
}
