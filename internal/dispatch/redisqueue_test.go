package dispatch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisQueue("redis://"+mr.Addr(), "test:dispatch")
}

func TestRedisQueueOrderAndPop(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		if err := q.Enqueue(ctx, Request{BuildID: id, Plan: "nightly", Org: "ci-org"}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	items, err := q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].BuildID != "b1" {
		t.Fatalf("unexpected list: %+v", items)
	}

	popped, err := q.Pop(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(popped) != 2 || popped[0].BuildID != "b1" || popped[1].BuildID != "b2" {
		t.Fatalf("pop order wrong: %+v", popped)
	}
	// popping past the end returns what is left
	popped, err = q.Pop(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(popped) != 1 || popped[0].BuildID != "b3" {
		t.Fatalf("unexpected final pop: %+v", popped)
	}
}

func TestRedisQueueStats(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Length != 0 {
		t.Fatalf("expected empty queue, got %d", stats.Length)
	}
	if err := q.Enqueue(ctx, Request{BuildID: "b1"}); err != nil {
		t.Fatal(err)
	}
	stats, err = q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Length != 1 || stats.OldestAge < 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRedisQueueClear(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Request{BuildID: "b1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	items, err := q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("clear left items: %+v", items)
	}
}

func TestRedisQueueUnconfigured(t *testing.T) {
	q := NewRedisQueue("", "")
	if err := q.Enqueue(context.Background(), Request{BuildID: "b1"}); err == nil {
		t.Fatal("expected error from unconfigured queue")
	}
}
