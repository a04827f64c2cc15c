//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/creditsaga/internal/testutil"
)

func TestPostgresQueue_RoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	q := NewPostgresQueue(db).WithVisibilityTimeout(time.Second)
	ctx := context.Background()

	if err := q.Publish(ctx, TopicSettlementRetry, payload{PurchaseID: "p1"}, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := q.Receive(ctx, TopicSettlementRetry)
	if err != nil || msg == nil {
		t.Fatalf("Receive: %v %v", msg, err)
	}
	var p payload
	if err := msg.Decode(&p); err != nil || p.PurchaseID != "p1" {
		t.Fatalf("payload = %+v, err = %v", p, err)
	}
	if again, _ := q.Receive(ctx, TopicSettlementRetry); again != nil {
		t.Fatal("claimed message must be hidden")
	}

	time.Sleep(1100 * time.Millisecond)
	redelivered, err := q.Receive(ctx, TopicSettlementRetry)
	if err != nil || redelivered == nil || redelivered.Attempts != 2 {
		t.Fatalf("expected redelivery, got %+v %v", redelivered, err)
	}

	if err := q.Ack(ctx, redelivered); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, _ := q.Depth(ctx, TopicSettlementRetry); n != 0 {
		t.Errorf("depth = %d", n)
	}
}

func TestPostgresQueue_PublishTxRollsBack(t *testing.T) {
	db := testutil.PGTest(t)
	q := NewPostgresQueue(db)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := PublishTx(ctx, tx, TopicRefundRetry, payload{PurchaseID: "p1"}, 0); err != nil {
		t.Fatal(err)
	}
	_ = tx.Rollback()

	if n, _ := q.Depth(ctx, TopicRefundRetry); n != 0 {
		t.Errorf("rolled back publish is visible, depth=%d", n)
	}
}

func TestPostgresQueue_NackDelays(t *testing.T) {
	db := testutil.PGTest(t)
	q := NewPostgresQueue(db)
	ctx := context.Background()

	_ = q.Publish(ctx, TopicRefundRetry, payload{PurchaseID: "p1"}, 0)
	msg, _ := q.Receive(ctx, TopicRefundRetry)
	if err := q.Nack(ctx, msg, time.Hour); err != nil {
		t.Fatal(err)
	}
	if m, _ := q.Receive(ctx, TopicRefundRetry); m != nil {
		t.Error("nacked message visible before its delay")
	}
}
