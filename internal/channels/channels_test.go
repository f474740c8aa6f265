package channels

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/satchel/squire/internal/cron"
)

// Compile-time interface checks: every notifier must satisfy cron.Notifier.
var (
	_ cron.Notifier = LogNotifier{}
	_ cron.Notifier = Multi{}
	_ cron.Notifier = (*TelegramNotifier)(nil)
)

func TestEscapeMarkdownV2(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a_b", `a\_b`},
		{"x.y!z", `x\.y\!z`},
		{"1+1=2", `1\+1\=2`},
		{"nightly-digest", `nightly\-digest`},
		{"(parens) [brackets]", `\(parens\) \[brackets\]`},
		{"`code`", "\\`code\\`"},
	}
	for _, tc := range cases {
		if got := escapeMarkdownV2(tc.in); got != tc.want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatJobMessageSuccess(t *testing.T) {
	got := formatJobMessage(cron.JobNotification{
		JobName:  "nightly-digest",
		Lane:     "job:nightly",
		Success:  true,
		Duration: 42 * time.Second,
		Output:   "all good",
	})
	want := "✅ Job *nightly\\-digest* completed in 42s\nLane job:nightly\n\nall good"
	if got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestFormatJobMessageFailure(t *testing.T) {
	got := formatJobMessage(cron.JobNotification{
		JobName:  "report",
		Lane:     "main",
		ExitCode: 7,
		Error:    "exploded (badly)",
	})
	want := "❌ Job *report* failed \\(exit 7\\)\nLane main\nexploded \\(badly\\)"
	if got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestSnippetTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("x", maxSnippetLen+50)
	got := snippet(long)
	if len(got) != maxSnippetLen+len("…") {
		t.Fatalf("snippet length = %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatal("truncated snippet should end with an ellipsis")
	}

	// Place a multibyte rune across the cut point; the cut must back off to
	// the rune's start instead of splitting it.
	multi := strings.Repeat("x", maxSnippetLen-1) + "日本語teddy bear"
	got = snippet(multi)
	if !strings.HasSuffix(got, "…") {
		t.Fatal("expected truncation")
	}
	if strings.Contains(got, "�") || !strings.HasPrefix(got, strings.Repeat("x", maxSnippetLen-1)) {
		t.Fatalf("snippet split a rune: %q", got[len(got)-12:])
	}

	if snippet("  short  ") != "short" {
		t.Fatal("short input should only be trimmed")
	}
}

func TestLogNotifierNeverErrors(t *testing.T) {
	n := LogNotifier{}
	if err := n.NotifyJobResult(context.Background(), cron.JobNotification{Success: true}); err != nil {
		t.Fatalf("success notification: %v", err)
	}
	if err := n.NotifyJobResult(context.Background(), cron.JobNotification{ExitCode: 1, Error: "boom"}); err != nil {
		t.Fatalf("failure notification: %v", err)
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) NotifyJobResult(context.Context, cron.JobNotification) error {
	c.calls++
	return c.err
}

func TestMultiReachesAllTargets(t *testing.T) {
	ok := &countingNotifier{}
	bad := &countingNotifier{err: errors.New("channel down")}
	after := &countingNotifier{}

	err := Multi{ok, bad, nil, after}.NotifyJobResult(context.Background(), cron.JobNotification{})
	if err == nil {
		t.Fatal("expected the failing target's error to surface")
	}
	if ok.calls != 1 || bad.calls != 1 || after.calls != 1 {
		t.Fatalf("calls = %d/%d/%d, want one each", ok.calls, bad.calls, after.calls)
	}

	if err := (Multi{ok, after}).NotifyJobResult(context.Background(), cron.JobNotification{}); err != nil {
		t.Fatalf("all-healthy fan-out: %v", err)
	}
}

type fakeSender struct {
	calls     int
	failFirst int
}

func (f *fakeSender) Send(_ tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return tgbotapi.Message{}, errors.New("flood control exceeded")
	}
	return tgbotapi.Message{}, nil
}

func fastTelegram(bot sender) *TelegramNotifier {
	return &TelegramNotifier{
		bot:       bot,
		chatID:    1,
		retryBase: time.Millisecond,
		retryCap:  4 * time.Millisecond,
	}
}

func TestTelegramRetriesThenSucceeds(t *testing.T) {
	bot := &fakeSender{failFirst: 2}
	n := fastTelegram(bot)

	if err := n.NotifyJobResult(context.Background(), cron.JobNotification{JobName: "j"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if bot.calls != 3 {
		t.Fatalf("send calls = %d, want 3", bot.calls)
	}
}

func TestTelegramGivesUpAfterAttempts(t *testing.T) {
	bot := &fakeSender{failFirst: 100}
	n := fastTelegram(bot)

	err := n.NotifyJobResult(context.Background(), cron.JobNotification{JobName: "j"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "flood control") {
		t.Fatalf("error = %v, want the last send failure", err)
	}
	if bot.calls != sendAttempts {
		t.Fatalf("send calls = %d, want %d", bot.calls, sendAttempts)
	}
}

func TestTelegramStopsRetryingOnCancel(t *testing.T) {
	bot := &fakeSender{failFirst: 100}
	n := fastTelegram(bot)
	n.retryBase = time.Minute // the retry wait must lose to the cancel

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.NotifyJobResult(ctx, cron.JobNotification{JobName: "j"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if bot.calls != 1 {
		t.Fatalf("send calls = %d, want 1", bot.calls)
	}
}
