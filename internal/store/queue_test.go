package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/satchel/squire/internal/store"
)

func TestEnqueueDequeue_ClaimOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, `{"query":"one"}`, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := s.Enqueue(ctx, `{"query":"two"}`, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if second <= first {
		t.Fatalf("ids must be monotonic: %d then %d", first, second)
	}

	item, err := s.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item == nil || item.ID != first {
		t.Fatalf("expected item %d first, got %+v", first, item)
	}
	if item.Status != store.QueueStatusRunning {
		t.Fatalf("claimed item must be running, got %s", item.Status)
	}

	item, err = s.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item == nil || item.ID != second {
		t.Fatalf("expected item %d second, got %+v", second, item)
	}

	item, err = s.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item != nil {
		t.Fatalf("expected empty queue, got %+v", item)
	}
}

func TestDequeueNext_RespectsBackoffEligibility(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, `{"query":"retry me"}`, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := s.DequeueNext(ctx)
	if err != nil || item == nil {
		t.Fatalf("dequeue: %v %+v", err, item)
	}

	retried, err := s.FailQueueItem(ctx, id, "boom", time.Hour)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !retried {
		t.Fatalf("expected retry, got terminal failure")
	}

	item, err = s.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item != nil {
		t.Fatalf("backed-off item must not be eligible, got %+v", item)
	}

	got, err := s.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueStatusPending || got.Attempts != 1 || got.LastError != "boom" {
		t.Fatalf("unexpected item after retry: %+v", got)
	}
}

func TestFailQueueItem_TerminalAtMaxAttempts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, `{"query":"always fails"}`, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempts 1 and 2 requeue; attempt 3 is terminal; no fourth claim.
	for attempt := 1; attempt <= 3; attempt++ {
		item, err := s.DequeueNext(ctx)
		if err != nil {
			t.Fatalf("dequeue attempt %d: %v", attempt, err)
		}
		if item == nil || item.ID != id {
			t.Fatalf("attempt %d: expected item %d, got %+v", attempt, id, item)
		}
		if item.Attempts != attempt-1 {
			t.Fatalf("attempt %d: expected %d prior attempts, got %d", attempt, attempt-1, item.Attempts)
		}
		retried, err := s.FailQueueItem(ctx, id, "handler error", 0)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < 3 && !retried {
			t.Fatalf("attempt %d should retry", attempt)
		}
		if attempt == 3 && retried {
			t.Fatalf("attempt 3 should be terminal")
		}
	}

	item, err := s.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("dequeue after terminal: %v", err)
	}
	if item != nil {
		t.Fatalf("failed item must never be claimed again, got %+v", item)
	}
	got, err := s.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueStatusFailed || got.Attempts != 3 {
		t.Fatalf("unexpected terminal item: %+v", got)
	}
}

func TestCompleteQueueItem(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, `{"query":"ok"}`, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := s.CompleteQueueItem(ctx, id, "run-9"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != store.QueueStatusCompleted || got.RunID != "run-9" || got.Attempts != 1 {
		t.Fatalf("unexpected completed item: %+v", got)
	}

	// Completing an unclaimed item is a conflict.
	if err := s.CompleteQueueItem(ctx, id, "run-10"); err == nil {
		t.Fatalf("expected error completing a settled item")
	}
}

func TestRequeueStuckQueueItems(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, `{"query":"crashed mid-flight"}`, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	n, err := s.RequeueStuckQueueItems(ctx)
	if err != nil {
		t.Fatalf("requeue stuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}
	got, err := s.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	// A crash is not a handler failure: the attempt counter is untouched.
	if got.Status != store.QueueStatusPending || got.Attempts != 0 {
		t.Fatalf("unexpected requeued item: %+v", got)
	}

	item, err := s.DequeueNext(ctx)
	if err != nil || item == nil {
		t.Fatalf("requeued item should be claimable: %v %+v", err, item)
	}
}

func TestDequeueNext_ConcurrentCallersClaimExclusively(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, `{"query":"only one winner"}`, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	claims := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.DequeueNext(ctx)
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if item != nil {
				claims <- item.ID
			}
		}()
	}
	wg.Wait()
	close(claims)

	var won int
	for range claims {
		won++
	}
	if won != 1 {
		t.Fatalf("exactly one caller must claim the item, got %d", won)
	}
}

func TestEnqueue_DefaultMaxAttempts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, `{"query":"defaults"}`, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := s.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", got.MaxAttempts)
	}
}

func TestQueueDepth(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, `{"query":"a"}`, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, `{"query":"b"}`, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	pending, running, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if pending != 1 || running != 1 {
		t.Fatalf("expected pending=1 running=1, got %d/%d", pending, running)
	}
}
