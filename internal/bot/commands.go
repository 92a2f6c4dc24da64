package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"calwatch/internal/external"
	"calwatch/internal/types"
)

const helpText = `Calendar notifier.

/today — events for the rest of today
/tomorrow — tomorrow's events
/week — events until the end of this week
/nextweek — next week's events

Notifications arrive automatically before each event; press the button to stop further reminders for that event.`

// handleCommand answers the calendar query commands. Unknown commands and
// messages from other chats are ignored.
func (b *Bot) handleCommand(ctx context.Context, msg *external.Message) {
	if msg.Chat.ID != b.cfg.ChatID {
		return
	}

	command := strings.ToLower(strings.Fields(msg.Text)[0])
	// Commands may arrive as /today@botname in group chats.
	if at := strings.IndexByte(command, '@'); at > 0 {
		command = command[:at]
	}

	now := b.clock.Now().In(b.cfg.Location)

	var (
		title      string
		rangeStart time.Time
		rangeEnd   time.Time
	)
	switch command {
	case "/start", "/help":
		b.reply(ctx, helpText)
		return
	case "/today":
		title = "Today"
		rangeStart = now
		rangeEnd = endOfDay(now)
	case "/tomorrow":
		title = "Tomorrow"
		rangeStart = endOfDay(now)
		rangeEnd = endOfDay(rangeStart.Add(time.Second))
	case "/week":
		title = "This week"
		rangeStart = now
		rangeEnd = endOfWeek(now)
	case "/nextweek":
		title = "Next week"
		rangeStart = endOfWeek(now)
		rangeEnd = endOfWeek(rangeStart.Add(time.Second))
	default:
		return
	}

	events, err := b.source.Upcoming(ctx, now.UTC(), rangeEnd.Sub(now))
	if err != nil {
		b.logger.Error("calendar query failed", "command", command, "error", err.Error())
		b.reply(ctx, "Calendar is unavailable right now, try again later.")
		return
	}

	b.reply(ctx, renderAgenda(title, events, rangeStart, rangeEnd, b.cfg.Location))
}

func (b *Bot) reply(ctx context.Context, text string) {
	if _, err := b.client.SendMessage(ctx, b.cfg.ChatID, text, nil); err != nil {
		b.logger.Warn("command reply failed", "error", err.Error())
	}
}

// renderAgenda formats events starting within [rangeStart, rangeEnd) as a
// message body.
func renderAgenda(title string, events []types.Event, rangeStart, rangeEnd time.Time, loc *time.Location) string {
	var lines []string
	for _, ev := range events {
		start := ev.StartTime.In(loc)
		if start.Before(rangeStart) || !start.Before(rangeEnd) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s · 👤 %s · %s",
			start.Format("Mon 02.01 15:04"),
			html.EscapeString(ev.CalendarKey),
			html.EscapeString(ev.Title),
		))
	}

	if len(lines) == 0 {
		return fmt.Sprintf("<b>%s</b>\nNo events.", title)
	}
	return fmt.Sprintf("<b>%s</b>\n%s", title, strings.Join(lines, "\n"))
}

// endOfDay returns midnight after t in t's location.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// endOfWeek returns the midnight ending t's ISO week (Sunday night).
func endOfWeek(t time.Time) time.Time {
	daysLeft := (8 - int(t.Weekday())) % 7
	if daysLeft == 0 {
		// Monday: the whole week is still ahead.
		daysLeft = 7
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, daysLeft)
}
