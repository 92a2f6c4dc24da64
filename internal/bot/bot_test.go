package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/external"
	"calwatch/internal/notify"
	"calwatch/internal/types"
)

// --- Fakes ---

type fakeAPI struct {
	sentMessages []string
	answers      map[string]string
	editedMsgs   []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{answers: make(map[string]string)}
}

func (f *fakeAPI) GetUpdates(context.Context, int64, int) ([]external.Update, error) {
	return nil, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, _ int64, text string, _ *external.InlineKeyboardMarkup) (*external.Message, error) {
	f.sentMessages = append(f.sentMessages, text)
	return &external.Message{MessageID: int64(len(f.sentMessages))}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, callbackID, text string) error {
	f.answers[callbackID] = text
	return nil
}

func (f *fakeAPI) EditMessageReplyMarkup(_ context.Context, _, messageID int64, _ *external.InlineKeyboardMarkup) error {
	f.editedMsgs = append(f.editedMsgs, messageID)
	return nil
}

type fakeConfirmer struct {
	result types.ConfirmResult
	err    error
	gotKey types.EventKey
	gotWho string
	called bool
}

func (f *fakeConfirmer) Confirm(_ context.Context, key types.EventKey, actor string, _ time.Time) (types.ConfirmResult, error) {
	f.called = true
	f.gotKey = key
	f.gotWho = actor
	return f.result, f.err
}

type fakeRecords struct {
	records map[int]*types.NotificationRecord
	err     error
}

func (f *fakeRecords) Records(context.Context, types.EventKey) (map[int]*types.NotificationRecord, error) {
	return f.records, f.err
}

type fakeSource struct {
	events []types.Event
	err    error
}

func (f *fakeSource) Upcoming(context.Context, time.Time, time.Duration) ([]types.Event, error) {
	return f.events, f.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type testLogger struct{}

func (testLogger) Info(string, ...any)        {}
func (testLogger) Error(string, ...any)       {}
func (testLogger) Warn(string, ...any)        {}
func (l testLogger) With(...any) types.Logger { return l }

// --- Helpers ---

const testChatID = int64(-100123)

func testNow() time.Time {
	// Tuesday.
	return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
}

func newTestBot(api *fakeAPI, engine *fakeConfirmer, records *fakeRecords, source *fakeSource) *Bot {
	return New(api, engine, records, source, Config{
		ChatID:      testChatID,
		PollTimeout: 1,
		ButtonTTL:   30 * time.Second,
		Location:    time.UTC,
	}, fixedClock{now: testNow()}, testLogger{})
}

func sentRecord(checkpoint int, sentAt time.Time) map[int]*types.NotificationRecord {
	return map[int]*types.NotificationRecord{
		checkpoint: {
			Checkpoint: checkpoint,
			Status:     types.RecordSent,
			Outcome:    types.OutcomeSuccess,
			SentAt:     sentAt,
		},
	}
}

func confirmCallback(key types.EventKey) *external.CallbackQuery {
	cb := &external.CallbackQuery{
		ID:   "cb-1",
		From: external.User{ID: 42, Username: "anna"},
		Data: notify.ConfirmCallbackPrefix + key.String(),
	}
	cb.Message = &external.Message{MessageID: 7}
	cb.Message.Chat.ID = testChatID
	return cb
}

// --- Callback handling ---

func TestHandleCallback_ConfirmsEvent(t *testing.T) {
	key := types.EventKey{ID: "anna/ev-1", Start: testNow().Add(30 * time.Minute)}
	api := newFakeAPI()
	engine := &fakeConfirmer{result: types.ConfirmResult{Status: types.ConfirmedNew}}
	records := &fakeRecords{records: sentRecord(1800, testNow().Add(-10 * time.Second))}

	b := newTestBot(api, engine, records, &fakeSource{})
	b.handleCallback(context.Background(), confirmCallback(key))

	require.True(t, engine.called)
	assert.Equal(t, key, engine.gotKey)
	assert.Equal(t, "tg:anna", engine.gotWho)
	assert.Equal(t, "✅ Confirmed", api.answers["cb-1"])
	assert.Equal(t, []int64{7}, api.editedMsgs, "keyboard removed after confirm")
}

func TestHandleCallback_AlreadyConfirmed(t *testing.T) {
	key := types.EventKey{ID: "anna/ev-1", Start: testNow().Add(30 * time.Minute)}
	api := newFakeAPI()
	engine := &fakeConfirmer{result: types.ConfirmResult{Status: types.ConfirmedAlready}}
	records := &fakeRecords{records: sentRecord(1800, testNow().Add(-5 * time.Second))}

	b := newTestBot(api, engine, records, &fakeSource{})
	b.handleCallback(context.Background(), confirmCallback(key))

	assert.Equal(t, "Already confirmed", api.answers["cb-1"])
}

func TestHandleCallback_UnknownEventRejected(t *testing.T) {
	key := types.EventKey{ID: "anna/ghost", Start: testNow().Add(30 * time.Minute)}
	api := newFakeAPI()
	engine := &fakeConfirmer{result: types.ConfirmResult{Status: types.ConfirmRejected}}
	records := &fakeRecords{records: sentRecord(1800, testNow().Add(-5 * time.Second))}

	b := newTestBot(api, engine, records, &fakeSource{})
	b.handleCallback(context.Background(), confirmCallback(key))

	assert.Equal(t, "Unknown event", api.answers["cb-1"])
	assert.Empty(t, api.editedMsgs)
}

func TestHandleCallback_ExpiredButton(t *testing.T) {
	key := types.EventKey{ID: "anna/ev-1", Start: testNow().Add(30 * time.Minute)}
	api := newFakeAPI()
	engine := &fakeConfirmer{result: types.ConfirmResult{Status: types.ConfirmedNew}}
	// Sent 31 seconds ago; TTL is 30 seconds.
	records := &fakeRecords{records: sentRecord(1800, testNow().Add(-31 * time.Second))}

	b := newTestBot(api, engine, records, &fakeSource{})
	b.handleCallback(context.Background(), confirmCallback(key))

	assert.False(t, engine.called, "expired press must not reach the engine")
	assert.Equal(t, "⌛ This button has expired", api.answers["cb-1"])
	assert.Equal(t, []int64{7}, api.editedMsgs)
}

func TestHandleCallback_NoSentRecordIsStale(t *testing.T) {
	key := types.EventKey{ID: "anna/ev-1", Start: testNow().Add(30 * time.Minute)}
	api := newFakeAPI()
	engine := &fakeConfirmer{}
	records := &fakeRecords{records: map[int]*types.NotificationRecord{}}

	b := newTestBot(api, engine, records, &fakeSource{})
	b.handleCallback(context.Background(), confirmCallback(key))

	assert.False(t, engine.called)
	assert.Equal(t, "⌛ This button has expired", api.answers["cb-1"])
}

func TestHandleCallback_MalformedData(t *testing.T) {
	api := newFakeAPI()
	engine := &fakeConfirmer{}

	b := newTestBot(api, engine, &fakeRecords{}, &fakeSource{})
	cb := &external.CallbackQuery{ID: "cb-9", Data: notify.ConfirmCallbackPrefix + "garbage"}
	b.handleCallback(context.Background(), cb)

	assert.False(t, engine.called)
	assert.Equal(t, "Malformed confirmation", api.answers["cb-9"])
}

// --- Commands ---

func commandMessage(text string) *external.Message {
	msg := &external.Message{MessageID: 1, Text: text}
	msg.Chat.ID = testChatID
	return msg
}

func TestHandleCommand_Today(t *testing.T) {
	api := newFakeAPI()
	source := &fakeSource{events: []types.Event{
		{
			ID:          "anna/ev-1",
			CalendarKey: "anna",
			Title:       "Dentist",
			StartTime:   testNow().Add(3 * time.Hour),
			EndTime:     testNow().Add(4 * time.Hour),
		},
		{
			// Starts tomorrow; must not appear under /today.
			ID:          "anna/ev-2",
			CalendarKey: "anna",
			Title:       "Gym",
			StartTime:   testNow().Add(26 * time.Hour),
			EndTime:     testNow().Add(27 * time.Hour),
		},
	}}

	b := newTestBot(api, &fakeConfirmer{}, &fakeRecords{}, source)
	b.handleCommand(context.Background(), commandMessage("/today"))

	require.Len(t, api.sentMessages, 1)
	assert.Contains(t, api.sentMessages[0], "Today")
	assert.Contains(t, api.sentMessages[0], "Dentist")
	assert.NotContains(t, api.sentMessages[0], "Gym")
}

func TestHandleCommand_TomorrowEmpty(t *testing.T) {
	api := newFakeAPI()

	b := newTestBot(api, &fakeConfirmer{}, &fakeRecords{}, &fakeSource{})
	b.handleCommand(context.Background(), commandMessage("/tomorrow"))

	require.Len(t, api.sentMessages, 1)
	assert.Contains(t, api.sentMessages[0], "No events")
}

func TestHandleCommand_Start(t *testing.T) {
	api := newFakeAPI()

	b := newTestBot(api, &fakeConfirmer{}, &fakeRecords{}, &fakeSource{})
	b.handleCommand(context.Background(), commandMessage("/start"))

	require.Len(t, api.sentMessages, 1)
	assert.Contains(t, api.sentMessages[0], "/today")
}

func TestHandleCommand_BotSuffixStripped(t *testing.T) {
	api := newFakeAPI()

	b := newTestBot(api, &fakeConfirmer{}, &fakeRecords{}, &fakeSource{})
	b.handleCommand(context.Background(), commandMessage("/today@calwatch_bot"))

	require.Len(t, api.sentMessages, 1)
	assert.Contains(t, api.sentMessages[0], "Today")
}

func TestHandleCommand_WrongChatIgnored(t *testing.T) {
	api := newFakeAPI()

	b := newTestBot(api, &fakeConfirmer{}, &fakeRecords{}, &fakeSource{})
	msg := &external.Message{MessageID: 1, Text: "/today"}
	msg.Chat.ID = 555
	b.handleCommand(context.Background(), msg)

	assert.Empty(t, api.sentMessages)
}

func TestHandleCommand_UnknownIgnored(t *testing.T) {
	api := newFakeAPI()

	b := newTestBot(api, &fakeConfirmer{}, &fakeRecords{}, &fakeSource{})
	b.handleCommand(context.Background(), commandMessage("/selfdestruct"))

	assert.Empty(t, api.sentMessages)
}

// --- Range helpers ---

func TestEndOfWeek(t *testing.T) {
	// Tuesday 2026-09-01 -> Monday 2026-09-07 00:00.
	got := endOfWeek(testNow())
	assert.Equal(t, time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC), got)

	// Monday keeps the whole week.
	monday := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC), endOfWeek(monday))

	// Sunday ends the week that night.
	sunday := time.Date(2026, 9, 6, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC), endOfWeek(sunday))
}

func TestEndOfDay(t *testing.T) {
	got := endOfDay(testNow())
	assert.Equal(t, time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC), got)
}
