package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"calwatch/internal/types"
)

// telegramAPIBase is the default Telegram Bot API base URL.
// Overridable in tests via TelegramClientConfig.BaseURL.
const telegramAPIBase = "https://api.telegram.org"

// TelegramClientConfig holds the configuration for creating a TelegramClient.
type TelegramClientConfig struct {
	Token   types.SecretString
	BaseURL string // Override for testing; defaults to telegramAPIBase
	Logger  *slog.Logger
}

// TelegramClient makes direct HTTP calls to the Telegram Bot API through
// BaseClient, so every request inherits the platform's resilience
// infrastructure (circuit breaker, retries, error mapping) and testing
// with httptest stays straightforward.
type TelegramClient struct {
	base    *BaseClient
	token   types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewTelegramClient creates a new TelegramClient.
func NewTelegramClient(httpClient *http.Client, cfg TelegramClientConfig) *TelegramClient {
	base := NewBaseClient(
		httpClient,
		"telegram",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"calwatch/1.0",
	)
	return NewTelegramClientWithBase(base, cfg)
}

// pollTimeoutHeadroom is added on top of the Telegram-side long-poll wait
// when sizing the poll client's HTTP timeout, so an idle poll comes back
// as an empty 200 instead of a client-side timeout.
const pollTimeoutHeadroom = 10 * time.Second

// NewTelegramPollClient creates a TelegramClient dedicated to getUpdates
// long-polling. It carries its own HTTP client and circuit breaker so poll
// failures can never open the breaker in front of message delivery, sizes
// its HTTP timeout above the long-poll wait, and disables retries: the
// bot's poll loop is itself the retry loop, and each retry here would
// count an extra breaker failure.
func NewTelegramPollClient(pollTimeoutSeconds int, cfg TelegramClientConfig) *TelegramClient {
	httpClient := &http.Client{
		Timeout: time.Duration(pollTimeoutSeconds)*time.Second + pollTimeoutHeadroom,
	}
	base := NewBaseClient(
		httpClient,
		"telegram-poll",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"calwatch/1.0",
	)
	return NewTelegramClientWithBase(base, cfg)
}

// NewTelegramClientWithBase creates a TelegramClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration (e.g., disable retries).
func NewTelegramClientWithBase(base *BaseClient, cfg TelegramClientConfig) *TelegramClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = telegramAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TelegramClient{
		base:    base,
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// Wire Types
// ---------------------------------------------------------------------------

// InlineKeyboardButton is a single button attached to a message.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is the reply_markup payload for inline keyboards.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Message is the subset of the Telegram Message object calwatch uses.
type Message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

// User identifies the Telegram account behind a message or callback.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// CallbackQuery is delivered when someone presses an inline button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// ---------------------------------------------------------------------------
// Bot API Methods
// ---------------------------------------------------------------------------

// SendMessage posts a message to the chat, optionally with an inline
// keyboard, and returns the sent message.
func (t *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (*Message, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}

	var msg Message
	if err := t.call(ctx, "sendMessage", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AnswerCallbackQuery acknowledges a button press, optionally showing a
// short notice to the user.
func (t *TelegramClient) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{
		"callback_query_id": callbackID,
	}
	if text != "" {
		payload["text"] = text
	}
	return t.call(ctx, "answerCallbackQuery", payload, nil)
}

// EditMessageReplyMarkup replaces the inline keyboard on a sent message.
// Passing nil markup removes the keyboard.
func (t *TelegramClient) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	} else {
		payload["reply_markup"] = InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{}}
	}

	err := t.call(ctx, "editMessageReplyMarkup", payload, nil)
	if err != nil {
		// Editing an already-edited message returns "message is not
		// modified"; that is success for our purposes.
		if appErr, ok := err.(*types.AppError); ok && strings.Contains(appErr.Message, "message is not modified") {
			return nil
		}
		return err
	}
	return nil
}

// GetUpdates long-polls for new updates starting at offset. timeoutSeconds
// is the Telegram-side long-poll wait; the request context should allow at
// least that long.
func (t *TelegramClient) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeoutSeconds,
		"allowed_updates": []string{"message", "callback_query"},
	}

	var updates []Update
	if err := t.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// call invokes one Bot API method and decodes the result envelope.
func (t *TelegramClient) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to marshal %s payload", method),
			err,
		)
	}

	reqURL := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token.Unmask(), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to create %s request", method),
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base.Do(req)
	if err != nil {
		return t.wrapTransportError(method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamTelegram,
			fmt.Sprintf("%s: response body unreadable", method),
			err,
		)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamTelegram,
			fmt.Sprintf("%s: malformed API response", method),
			err,
		)
	}

	if !envelope.OK {
		return types.NewAppError(
			types.ErrCodeUpstreamTelegram,
			fmt.Sprintf("%s: API error %d: %s", method, envelope.ErrorCode, envelope.Description),
			nil,
		)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return types.NewAppError(
				types.ErrCodeUpstreamTelegram,
				fmt.Sprintf("%s: failed to decode result", method),
				err,
			)
		}
	}
	return nil
}

// wrapTransportError wraps a BaseClient transport error with context.
func (t *TelegramClient) wrapTransportError(method string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted)
	// already carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamTelegram,
		fmt.Sprintf("%s: request failed: %v", method, err),
		err,
	)
}
