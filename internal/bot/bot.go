// Package bot runs the Telegram side of calwatch: a long-poll loop that
// answers calendar queries (/today, /week, ...) and handles confirm button
// presses by recording human confirmations.
package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"calwatch/internal/external"
	"calwatch/internal/notify"
	"calwatch/internal/types"
)

// pollRetryWait is how long the loop backs off after a failed getUpdates
// call before polling again.
const pollRetryWait = 3 * time.Second

// api is the slice of the Telegram client the bot needs.
type api interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]external.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, markup *external.InlineKeyboardMarkup) (*external.Message, error)
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *external.InlineKeyboardMarkup) error
}

// confirmer records a human confirmation for an event.
type confirmer interface {
	Confirm(ctx context.Context, key types.EventKey, actor string, at time.Time) (types.ConfirmResult, error)
}

// recordReader exposes the notification records needed for the button TTL
// check.
type recordReader interface {
	Records(ctx context.Context, key types.EventKey) (map[int]*types.NotificationRecord, error)
}

// Config holds the bot runtime settings.
type Config struct {
	ChatID      int64
	PollTimeout int // getUpdates long-poll wait, seconds
	ButtonTTL   time.Duration
	Location    *time.Location
}

// Bot is the Telegram update loop.
type Bot struct {
	client  api
	engine  confirmer
	records recordReader
	source  types.EventSource
	cfg     Config
	clock   types.Clock
	logger  types.Logger
	offset  int64
}

// New creates a Bot. source feeds the calendar query commands.
func New(client api, engine confirmer, records recordReader, source types.EventSource, cfg Config, clock types.Clock, logger types.Logger) *Bot {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25
	}
	return &Bot{
		client:  client,
		engine:  engine,
		records: records,
		source:  source,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Run polls for updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("bot update loop started", "chat_id", b.cfg.ChatID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := b.client.GetUpdates(ctx, b.offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("getUpdates failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollRetryWait):
			}
			continue
		}

		for _, update := range updates {
			b.offset = update.UpdateID + 1
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate dispatches one update. Errors are logged, never fatal to
// the loop.
func (b *Bot) handleUpdate(ctx context.Context, update external.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && strings.HasPrefix(update.Message.Text, "/"):
		b.handleCommand(ctx, update.Message)
	}
}

// handleCallback processes a confirm button press.
func (b *Bot) handleCallback(ctx context.Context, cb *external.CallbackQuery) {
	if !strings.HasPrefix(cb.Data, notify.ConfirmCallbackPrefix) {
		b.answer(ctx, cb.ID, "")
		return
	}

	key, err := types.ParseEventKey(strings.TrimPrefix(cb.Data, notify.ConfirmCallbackPrefix))
	if err != nil {
		b.logger.Warn("malformed confirm callback", "data", cb.Data, "error", err.Error())
		b.answer(ctx, cb.ID, "Malformed confirmation")
		return
	}

	now := b.clock.Now()

	expired, err := b.buttonExpired(ctx, key, now)
	if err != nil {
		b.logger.Error("button TTL check failed", "event_key", key.String(), "error", err.Error())
		b.answer(ctx, cb.ID, "Try again later")
		return
	}
	if expired {
		b.answer(ctx, cb.ID, "⌛ This button has expired")
		b.removeKeyboard(ctx, cb)
		return
	}

	result, err := b.engine.Confirm(ctx, key, actorOf(cb.From), now)
	if err != nil {
		b.logger.Error("confirmation failed", "event_key", key.String(), "error", err.Error())
		b.answer(ctx, cb.ID, "Try again later")
		return
	}

	switch result.Status {
	case types.ConfirmedNew:
		b.answer(ctx, cb.ID, "✅ Confirmed")
		b.removeKeyboard(ctx, cb)
	case types.ConfirmedAlready:
		b.answer(ctx, cb.ID, "Already confirmed")
		b.removeKeyboard(ctx, cb)
	default:
		b.answer(ctx, cb.ID, "Unknown event")
	}
}

// buttonExpired reports whether the confirm button for the key has
// outlived its TTL, measured from the most recent delivery.
func (b *Bot) buttonExpired(ctx context.Context, key types.EventKey, now time.Time) (bool, error) {
	if b.cfg.ButtonTTL <= 0 {
		return false, nil
	}
	records, err := b.records.Records(ctx, key)
	if err != nil {
		return false, err
	}

	var lastSent time.Time
	for _, rec := range records {
		if rec.Status == types.RecordSent && rec.SentAt.After(lastSent) {
			lastSent = rec.SentAt
		}
	}
	if lastSent.IsZero() {
		// Nothing was ever sent for this key; the press is stale.
		return true, nil
	}
	return now.Sub(lastSent) > b.cfg.ButtonTTL, nil
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.client.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		b.logger.Warn("answerCallbackQuery failed", "error", err.Error())
	}
}

func (b *Bot) removeKeyboard(ctx context.Context, cb *external.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	if err := b.client.EditMessageReplyMarkup(ctx, cb.Message.Chat.ID, cb.Message.MessageID, nil); err != nil {
		b.logger.Warn("failed to remove confirm button", "error", err.Error())
	}
}

// actorOf renders a stable identifier for the confirming user.
func actorOf(u external.User) string {
	if u.Username != "" {
		return "tg:" + u.Username
	}
	return "tg:" + strconv.FormatInt(u.ID, 10)
}
