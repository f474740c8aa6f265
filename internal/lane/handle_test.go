package lane

import (
	"sync"
	"testing"

	"github.com/satchel/squire/internal/store"
)

func newIdleHandle() *Handle {
	return newHandle("run-1", "main", "cli", "model-a", "do the thing", func() {})
}

func TestHandle_ExecutorWinsWhenUncancelled(t *testing.T) {
	h := newIdleHandle()
	if !h.claimSettlement() {
		t.Fatal("expected executor to claim settlement on an uncancelled run")
	}
	if h.requestCancel("user") {
		t.Fatal("expected cancel after settlement to report false")
	}
}

func TestHandle_CancelWinsOverLaterSettlement(t *testing.T) {
	h := newIdleHandle()
	if !h.requestCancel("user") {
		t.Fatal("expected first cancel to succeed")
	}
	if !h.Cancelling() {
		t.Fatal("expected handle to report cancelling")
	}
	if h.claimSettlement() {
		t.Fatal("expected settlement claim to lose after cancel")
	}
	if got := h.CancelReason(); got != "user" {
		t.Fatalf("expected cancel reason %q, got %q", "user", got)
	}
}

func TestHandle_RepeatCancelKeepsFirstReason(t *testing.T) {
	h := newIdleHandle()
	if !h.requestCancel("timeout") {
		t.Fatal("expected first cancel to succeed")
	}
	if !h.requestCancel("user") {
		t.Fatal("expected repeat cancel while cancelling to report true")
	}
	if got := h.CancelReason(); got != "timeout" {
		t.Fatalf("expected first reason to stick, got %q", got)
	}
}

func TestHandle_CancelFiresContextOnce(t *testing.T) {
	fired := 0
	h := newHandle("run-1", "main", "cli", "", "q", func() { fired++ })
	h.requestCancel("user")
	h.requestCancel("user")
	if fired != 1 {
		t.Fatalf("expected cancel func to fire once, fired %d times", fired)
	}
}

func TestHandle_CancelSettleRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 500; i++ {
		h := newIdleHandle()
		var wg sync.WaitGroup
		var cancelWon, claimWon bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelWon = h.requestCancel("timeout")
		}()
		go func() {
			defer wg.Done()
			claimWon = h.claimSettlement()
		}()
		wg.Wait()
		if cancelWon == claimWon {
			t.Fatalf("iteration %d: expected exactly one winner, cancel=%v claim=%v", i, cancelWon, claimWon)
		}
		if cancelWon && h.CancelReason() == "" {
			t.Fatalf("iteration %d: cancel won without a recorded reason", i)
		}
	}
}

func TestHandle_OutcomeUnavailableUntilFinish(t *testing.T) {
	h := newIdleHandle()
	if _, ok := h.Outcome(); ok {
		t.Fatal("expected no outcome before finish")
	}
	h.claimSettlement()
	h.finish(Outcome{RunID: h.RunID, Status: store.RunStatusCompleted})

	out, ok := h.Outcome()
	if !ok || out.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed outcome, got ok=%v status=%s", ok, out.Status)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done to be closed after finish")
	}
}
