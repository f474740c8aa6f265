package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/satchel/squire/internal/cron"
)

const (
	// sendAttempts bounds retries of one notification; Telegram rate-limits
	// bursts, so failures back off before giving up.
	sendAttempts = 4

	// maxSnippetLen keeps executor output readable in a chat message.
	maxSnippetLen = 600
)

// sender is the slice of the Bot API the notifier uses. *tgbotapi.BotAPI
// satisfies it.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier delivers job outcomes to a single configured chat as
// MarkdownV2 messages.
type TelegramNotifier struct {
	bot    sender
	chatID int64

	retryBase time.Duration
	retryCap  time.Duration
}

// NewTelegramNotifier authenticates against the Bot API.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("telegram notifier ready", "user", bot.Self.UserName, "chat_id", chatID)
	return &TelegramNotifier{
		bot:       bot,
		chatID:    chatID,
		retryBase: time.Second,
		retryCap:  30 * time.Second,
	}, nil
}

// NotifyJobResult formats the outcome and sends it to the configured chat.
func (t *TelegramNotifier) NotifyJobResult(ctx context.Context, n cron.JobNotification) error {
	msg := tgbotapi.NewMessage(t.chatID, formatJobMessage(n))
	msg.ParseMode = "MarkdownV2"
	return t.send(ctx, msg)
}

// send retries transient failures with capped backoff.
func (t *TelegramNotifier) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	backoff := t.retryBase
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if _, lastErr = t.bot.Send(msg); lastErr == nil {
			return nil
		}
		slog.Warn("telegram send failed", "attempt", attempt, "error", lastErr)
		if attempt == sendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.retryCap {
			backoff = t.retryCap
		}
	}
	return fmt.Errorf("telegram send: %w", lastErr)
}

// formatJobMessage renders the MarkdownV2 outcome message. Dynamic content is
// escaped; inline syntax stays out of the dynamic parts so escapes render as
// the characters they protect.
func formatJobMessage(n cron.JobNotification) string {
	var b strings.Builder
	if n.Success {
		fmt.Fprintf(&b, "✅ Job *%s* completed", escapeMarkdownV2(n.JobName))
		if n.Duration > 0 {
			fmt.Fprintf(&b, " in %s", escapeMarkdownV2(n.Duration.Round(time.Second).String()))
		}
	} else {
		fmt.Fprintf(&b, "❌ Job *%s* failed \\(exit %d\\)", escapeMarkdownV2(n.JobName), n.ExitCode)
	}
	fmt.Fprintf(&b, "\nLane %s", escapeMarkdownV2(n.Lane))
	if !n.Success && n.Error != "" {
		fmt.Fprintf(&b, "\n%s", escapeMarkdownV2(snippet(n.Error)))
	}
	if n.Success && strings.TrimSpace(n.Output) != "" {
		fmt.Fprintf(&b, "\n\n%s", escapeMarkdownV2(snippet(n.Output)))
	}
	return b.String()
}

// snippet truncates long text on a rune boundary.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSnippetLen {
		return s
	}
	cut := maxSnippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// escapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parse mode
// treats as syntax: _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(special, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
