package shared

import (
	"context"
	"testing"
)

func TestContextIDs_RoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		attach func(context.Context, string) context.Context
		read   func(context.Context) string
		absent string
	}{
		{"trace", WithTraceID, TraceID, "-"},
		{"lane", WithLane, Lane, ""},
		{"run", WithRunID, RunID, ""},
		{"job", WithJobID, JobID, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if got := tc.read(ctx); got != tc.absent {
				t.Fatalf("absent value = %q, want %q", got, tc.absent)
			}
			ctx = tc.attach(ctx, "first")
			if got := tc.read(ctx); got != "first" {
				t.Fatalf("read back %q, want %q", got, "first")
			}
			// Re-attaching shadows the earlier value.
			if got := tc.read(tc.attach(ctx, "second")); got != "second" {
				t.Fatalf("after overwrite got %q, want %q", got, "second")
			}
		})
	}
}

func TestContextIDs_KeysDoNotCollide(t *testing.T) {
	ctx := WithTraceID(context.Background(), "t-1")
	ctx = WithLane(ctx, "main")
	ctx = WithRunID(ctx, "r-1")
	ctx = WithJobID(ctx, "j-1")

	if TraceID(ctx) != "t-1" || Lane(ctx) != "main" || RunID(ctx) != "r-1" || JobID(ctx) != "j-1" {
		t.Fatalf("ids bled into each other: trace=%q lane=%q run=%q job=%q",
			TraceID(ctx), Lane(ctx), RunID(ctx), JobID(ctx))
	}
}

func TestNewIDs_NonEmptyAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		for _, id := range []string{NewTraceID(), NewRunID()} {
			if id == "" {
				t.Fatal("generated id is empty")
			}
			if seen[id] {
				t.Fatalf("id %q generated twice", id)
			}
			seen[id] = true
		}
	}
}
