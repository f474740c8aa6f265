package cron

import (
	"testing"
	"time"
)

func TestNextTime(t *testing.T) {
	after := time.Date(2025, time.March, 3, 10, 7, 0, 0, time.UTC)
	got, err := NextTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("next time: %v", err)
	}
	want := time.Date(2025, time.March, 3, 10, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNextTime_InvalidExpression(t *testing.T) {
	if _, err := NextTime("not a cron", time.Now()); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestParseExpr(t *testing.T) {
	cases := []struct {
		expr  string
		valid bool
	}{
		{"* * * * *", true},
		{"0 9 * * 1-5", true},
		{"*/10 2 1 * *", true},
		{"", false},
		{"61 * * * *", false},
		{"* * * *", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			err := ParseExpr(tc.expr)
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestDueTimes_YieldsInOrder(t *testing.T) {
	since := time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)
	seq, err := DueTimes("0 * * * *", since)
	if err != nil {
		t.Fatalf("due times: %v", err)
	}

	var got []time.Time
	for ts := range seq {
		got = append(got, ts)
		if len(got) == 3 {
			break
		}
	}

	want := []time.Time{
		time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 3, 11, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d times, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestDueTimes_InvalidExpression(t *testing.T) {
	if _, err := DueTimes("nope", time.Now()); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
