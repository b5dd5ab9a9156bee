// Package telegram реализует выдачу и отзыв доступа к закрытому каналу через Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с Telegram Bot API.
type Client struct {
	baseURL    string
	token      string
	channelID  int64
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент Telegram Bot API для управления доступом к каналу.
func NewClient(baseURL, token string, channelID int64) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.Logger = nil
	httpClient.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		channelID:  channelID,
		httpClient: httpClient,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	if c == nil || c.token == "" {
		return fmt.Errorf("telegram client not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	reqURL := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if !apiResp.OK {
		return fmt.Errorf("telegram api %s: %s", method, apiResp.Description)
	}

	if result != nil {
		if err := json.Unmarshal(apiResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// GrantAccess создаёт одноразовую ссылку-приглашение в канал и отправляет её пользователю.
// Возвращает ссылку, чтобы вызывающая сторона могла показать её и в своём ответе.
func (c *Client) GrantAccess(ctx context.Context, userID int64) (string, error) {
	var invite struct {
		InviteLink string `json:"invite_link"`
	}

	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      c.channelID,
		"member_limit": 1,
	}, &invite)
	if err != nil {
		return "", fmt.Errorf("create invite link: %w", err)
	}

	err = c.call(ctx, "sendMessage", map[string]any{
		"chat_id": userID,
		"text":    fmt.Sprintf("Your subscription is active. Link to the channel: %s", invite.InviteLink),
	}, nil)
	if err != nil {
		// Ссылка уже создана, неудачная отправка сообщения доступ не отменяет.
		return invite.InviteLink, fmt.Errorf("send invite message: %w", err)
	}

	return invite.InviteLink, nil
}

// RevokeAccess удаляет пользователя из канала. Бан с последующим разбаном
// выкидывает участника, не запрещая ему вернуться по новой ссылке после оплаты.
func (c *Client) RevokeAccess(ctx context.Context, userID int64) error {
	err := c.call(ctx, "banChatMember", map[string]any{
		"chat_id": c.channelID,
		"user_id": userID,
	}, nil)
	if err != nil {
		return fmt.Errorf("ban member: %w", err)
	}

	err = c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id": c.channelID,
		"user_id": userID,
	}, nil)
	if err != nil {
		return fmt.Errorf("unban member: %w", err)
	}

	return nil
}
