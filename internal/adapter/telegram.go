package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Button is a single inline keyboard button. Exactly one of CallbackData or
// URL should be set.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Messenger is the anti-corruption layer for the messaging gateway. Each
// button row renders as one keyboard row.
type Messenger interface {
	// SendMessage delivers text to the user, optionally with action buttons.
	SendMessage(ctx context.Context, userID int64, text string, buttons [][]Button) error

	// CreateInviteLink creates a single-use invite link to the channel that
	// expires after expiresIn.
	CreateInviteLink(ctx context.Context, channelID string, expiresIn time.Duration) (string, error)

	// KickMember removes the user from the channel. A user who was never a
	// member, or is already gone, is success: the goal state is "no access".
	KickMember(ctx context.Context, channelID string, userID int64) error
}

// memberGoneMarkers are Bot API error descriptions meaning the user already
// has no access, which KickMember treats as success.
var memberGoneMarkers = []string{
	"user not found",
	"participant_id_invalid",
	"user not participant",
}

// TelegramMessenger implements Messenger over the Telegram Bot API.
type TelegramMessenger struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewTelegramMessenger creates a Bot API messenger for the given bot token.
func NewTelegramMessenger(botToken string, logger *zap.Logger) *TelegramMessenger {
	return &TelegramMessenger{
		baseURL: "https://api.telegram.org/bot" + botToken,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// NewTelegramMessengerWithBase creates a messenger against a custom API base
// URL. Used by tests.
func NewTelegramMessengerWithBase(baseURL string, logger *zap.Logger) *TelegramMessenger {
	return &TelegramMessenger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// call POSTs a Bot API method and decodes the envelope.
func (t *TelegramMessenger) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode telegram %s response: %w", method, err)
	}
	return &decoded, nil
}

// SendMessage implements Messenger.
func (t *TelegramMessenger) SendMessage(ctx context.Context, userID int64, text string, buttons [][]Button) error {
	payload := map[string]any{
		"chat_id": userID,
		"text":    text,
	}
	if len(buttons) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": buttons}
	}

	resp, err := t.call(ctx, "sendMessage", payload)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram sendMessage rejected: %s", resp.Description)
	}
	return nil
}

// CreateInviteLink implements Messenger. The link admits one member and
// expires after expiresIn.
func (t *TelegramMessenger) CreateInviteLink(ctx context.Context, channelID string, expiresIn time.Duration) (string, error) {
	payload := map[string]any{
		"chat_id":      channelID,
		"member_limit": 1,
		"expire_date":  time.Now().Add(expiresIn).Unix(),
	}

	resp, err := t.call(ctx, "createChatInviteLink", payload)
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("telegram createChatInviteLink rejected: %s", resp.Description)
	}

	var result struct {
		InviteLink string `json:"invite_link"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to decode invite link: %w", err)
	}
	return result.InviteLink, nil
}

// KickMember implements Messenger. Telegram has no single "remove" call: a
// short ban followed by unban(only_if_banned) ejects the member without a
// permanent blacklist entry.
func (t *TelegramMessenger) KickMember(ctx context.Context, channelID string, userID int64) error {
	banResp, err := t.call(ctx, "banChatMember", map[string]any{
		"chat_id":    channelID,
		"user_id":    userID,
		"until_date": time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		return err
	}
	if !banResp.OK {
		if isMemberGone(banResp.Description) {
			t.logger.Info("user already absent from private channel",
				zap.Int64("user_id", userID),
			)
			return nil
		}
		return fmt.Errorf("telegram banChatMember rejected: %s", banResp.Description)
	}

	unbanResp, err := t.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        channelID,
		"user_id":        userID,
		"only_if_banned": true,
	})
	if err != nil {
		return err
	}
	if !unbanResp.OK {
		return fmt.Errorf("telegram unbanChatMember rejected: %s", unbanResp.Description)
	}
	return nil
}

// Update is one inbound Bot API update.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// GetUpdates long-polls the Bot API for updates past offset.
func (t *TelegramMessenger) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	resp, err := t.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram getUpdates rejected: %s", resp.Description)
	}

	var updates []Update
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return updates, nil
}

// AnswerCallback acknowledges a callback query so the client stops showing a
// spinner.
func (t *TelegramMessenger) AnswerCallback(ctx context.Context, callbackID string) error {
	resp, err := t.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram answerCallbackQuery rejected: %s", resp.Description)
	}
	return nil
}

// isMemberGone reports whether a Bot API error means the user already has no
// access to the chat.
func isMemberGone(description string) bool {
	lowered := strings.ToLower(description)
	for _, marker := range memberGoneMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
