// Package notify implements the delivery side of the decision cycle: it
// renders a checkpoint notification into a Telegram message with a confirm
// button and reports the delivery outcome back to the engine.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"calwatch/internal/external"
	"calwatch/internal/types"
)

// ConfirmCallbackPrefix tags confirm button callback data so the bot can
// route button presses. The rest of the data is the event key.
const ConfirmCallbackPrefix = "confirm:"

// messageAPI is the slice of the Telegram client the sink needs.
type messageAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *external.InlineKeyboardMarkup) (*external.Message, error)
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *external.InlineKeyboardMarkup) error
}

// Sink delivers notifications to a single Telegram chat.
type Sink struct {
	client    messageAPI
	chatID    int64
	location  *time.Location
	buttonTTL time.Duration
	logger    types.Logger

	// afterFunc schedules the keyboard expiry; swapped in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

var _ types.DispatchSink = (*Sink)(nil)

// NewSink creates a Sink posting to chatID. location controls how event
// times are rendered; buttonTTL is how long the confirm button stays
// attached before it is removed.
func NewSink(client messageAPI, chatID int64, location *time.Location, buttonTTL time.Duration, logger types.Logger) *Sink {
	if location == nil {
		location = time.UTC
	}
	return &Sink{
		client:    client,
		chatID:    chatID,
		location:  location,
		buttonTTL: buttonTTL,
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
}

// Dispatch sends one checkpoint notification. The returned outcome is what
// the engine records: success only when Telegram accepted the message,
// timed_out when the attempt ran out of time with delivery unknown, failed
// otherwise.
func (s *Sink) Dispatch(ctx context.Context, action types.Action) types.DeliveryOutcome {
	text := s.renderText(action)
	markup := &external.InlineKeyboardMarkup{
		InlineKeyboard: [][]external.InlineKeyboardButton{
			{{Text: "✅ OK", CallbackData: ConfirmCallbackPrefix + action.Event.Key().String()}},
		},
	}

	msg, err := s.client.SendMessage(ctx, s.chatID, text, markup)
	if err != nil {
		return s.classifyError(action, err)
	}

	s.scheduleKeyboardExpiry(msg.MessageID)
	return types.OutcomeSuccess
}

// classifyError maps a send failure to a delivery outcome. Timeouts are
// kept distinct because delivery may still have happened.
func (s *Sink) classifyError(action types.Action, err error) types.DeliveryOutcome {
	key := action.Event.Key()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn("notification attempt timed out", "event_key", key.String(), "checkpoint", action.Checkpoint)
		return types.OutcomeTimedOut
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeUpstreamTimeout {
		s.logger.Warn("notification attempt timed out", "event_key", key.String(), "checkpoint", action.Checkpoint)
		return types.OutcomeTimedOut
	}

	s.logger.Error("notification delivery failed",
		"event_key", key.String(),
		"checkpoint", action.Checkpoint,
		"error", err.Error(),
	)
	return types.OutcomeFailed
}

// scheduleKeyboardExpiry removes the confirm button once the TTL elapses.
// A missed removal is harmless: stale presses are rejected by the bot.
func (s *Sink) scheduleKeyboardExpiry(messageID int64) {
	if s.buttonTTL <= 0 {
		return
	}
	chatID := s.chatID
	s.afterFunc(s.buttonTTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.client.EditMessageReplyMarkup(ctx, chatID, messageID, nil); err != nil {
			s.logger.Warn("failed to expire confirm button", "message_id", messageID, "error", err.Error())
		}
	})
}

// renderText builds the HTML message body for a checkpoint notification.
func (s *Sink) renderText(action types.Action) string {
	ev := action.Event
	start := ev.StartTime.In(s.location)

	header := fmt.Sprintf("🔔 <b>%s</b>", html.EscapeString(ev.Title))
	who := fmt.Sprintf("👤 %s", html.EscapeString(ev.CalendarKey))
	when := fmt.Sprintf("🕒 %s — %s", start.Format("02.01 15:04"), leadPhrase(action.Checkpoint))

	return header + "\n" + who + "\n" + when
}

// leadPhrase describes the checkpoint lead time in human terms.
func leadPhrase(checkpoint int) string {
	switch {
	case checkpoint <= 0:
		return "starting now"
	case checkpoint < 3600:
		return fmt.Sprintf("in %d min", checkpoint/60)
	case checkpoint%3600 == 0:
		return fmt.Sprintf("in %d h", checkpoint/3600)
	default:
		return fmt.Sprintf("in %d h %d min", checkpoint/3600, (checkpoint%3600)/60)
	}
}
