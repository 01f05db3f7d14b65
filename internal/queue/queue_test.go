package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(Config{Path: filepath.Join(t.TempDir(), "outbox.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func activity(text string) model.Activity {
	return model.Activity{
		Kind:       model.KindCelebration,
		Type:       "message",
		ServiceURL: "https://smba.example.com/",
		Conversation: model.Conversation{
			ID:   "19:chan",
			Type: model.ChannelConversationType,
		},
		Text:          text,
		OccurrenceIDs: []string{"occ-1"},
	}
}

func TestEnqueueLeaseAck(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	now := time.Now()

	for _, text := range []string{"first", "second", "third"} {
		if err := q.Enqueue(ctx, activity(text)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	msgs, err := q.Lease(ctx, 2, time.Minute, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("leased %d, want 2", len(msgs))
	}
	// FIFO by enqueue order.
	if msgs[0].Activity.Text != "first" || msgs[1].Activity.Text != "second" {
		t.Fatalf("lease order: %q, %q", msgs[0].Activity.Text, msgs[1].Activity.Text)
	}
	if msgs[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", msgs[0].Attempts)
	}

	// Leased messages stay invisible inside the lease window.
	again, err := q.Lease(ctx, 10, time.Minute, now)
	if err != nil {
		t.Fatalf("lease again: %v", err)
	}
	if len(again) != 1 || again[0].Activity.Text != "third" {
		t.Fatalf("second lease = %+v", again)
	}

	for _, m := range msgs {
		if err := q.Ack(ctx, m.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestLeaseExpiryMakesMessageVisible(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	now := time.Now()

	if err := q.Enqueue(ctx, activity("redeliver me")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Lease(ctx, 1, time.Minute, now)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("lease: %v %v", msgs, err)
	}

	// Not visible before the lease expires.
	hidden, err := q.Lease(ctx, 1, time.Minute, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("lease hidden: %v", err)
	}
	if len(hidden) != 0 {
		t.Fatalf("expected no visible messages, got %d", len(hidden))
	}

	// Visible again after expiry, with a bumped attempt count.
	visible, err := q.Lease(ctx, 1, time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("lease visible: %v", err)
	}
	if len(visible) != 1 {
		t.Fatalf("expected redelivery, got %d messages", len(visible))
	}
	if visible[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", visible[0].Attempts)
	}
}

func TestNackReleasesImmediately(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	now := time.Now()

	if err := q.Enqueue(ctx, activity("retry me")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Lease(ctx, 1, time.Hour, now)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("lease: %v %v", msgs, err)
	}
	if err := q.Nack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("nack: %v", err)
	}

	back, err := q.Lease(ctx, 1, time.Minute, now)
	if err != nil {
		t.Fatalf("lease after nack: %v", err)
	}
	if len(back) != 1 {
		t.Fatal("nacked message should be visible immediately")
	}
}

func TestEnqueueBatchLimit(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	big := make([]model.Activity, MaxBatch+1)
	for i := range big {
		big[i] = activity("x")
	}
	err := q.EnqueueBatch(ctx, big)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}

	if err := q.EnqueueBatch(ctx, big[:MaxBatch]); err != nil {
		t.Fatalf("enqueue full batch: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != MaxBatch {
		t.Fatalf("depth = %d, want %d", depth, MaxBatch)
	}
}

func TestActivityRoundTripThroughOutbox(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	act := activity("hello")
	act.Mentions = []model.Mention{{
		Type: "mention",
		Text: "<at>Alex</at>",
		Mentioned: model.Account{
			ID:   "29:alex",
			Name: "Alex",
		},
	}}
	if err := q.Enqueue(ctx, act); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Lease(ctx, 1, time.Minute, time.Now())
	if err != nil || len(msgs) != 1 {
		t.Fatalf("lease: %v %v", msgs, err)
	}
	got := msgs[0].Activity
	if got.Text != "hello" || got.Conversation.ID != "19:chan" {
		t.Fatalf("activity = %+v", got)
	}
	if len(got.Mentions) != 1 || got.Mentions[0].Mentioned.ID != "29:alex" {
		t.Fatalf("mentions = %+v", got.Mentions)
	}
	if len(got.OccurrenceIDs) != 1 || got.OccurrenceIDs[0] != "occ-1" {
		t.Fatalf("occurrence ids = %v", got.OccurrenceIDs)
	}
}
