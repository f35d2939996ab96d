// Package transport wraps the backend's HTTP endpoints. This code runs
// embedded in host processes it does not own, so every call contains its
// failures: log, degrade to empty, never panic outward.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"talkbox/internal/model"
	"talkbox/internal/schema"
)

const requestTimeout = 10 * time.Second

// Client talks to the chat backend over HTTP.
type Client struct {
	baseURL   string
	http      *http.Client
	validator *schema.Validator
	log       *zap.Logger
}

func New(baseURL string, validator *schema.Validator, log *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: requestTimeout},
		validator: validator,
		log:       log,
	}
}

// SendMessage persists a message and returns the server-assigned copy. The
// returned error is for the caller's error banner only; it carries no
// retryable state.
func (c *Client) SendMessage(ctx context.Context, text string, sender model.MessageType, user *model.UserInfo, conversationID string) (*model.SendResult, error) {
	body := map[string]any{
		"message":         text,
		"conversation_id": conversationID,
		"sender":          sender,
	}
	if user != nil {
		body["user_info"] = user
	}

	data, err := c.postJSON(ctx, "/chat/send-message", body)
	if err != nil {
		c.log.Warn("Send message failed", zap.String("conversationId", conversationID), zap.Error(err))
		return nil, err
	}

	var result struct {
		Status         string        `json:"status"`
		Message        model.Message `json:"message"`
		ConversationID string        `json:"conversation_id"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		c.log.Warn("Undecodable send-message response", zap.Error(err))
		return nil, fmt.Errorf("failed to decode send response: %w", err)
	}
	return &model.SendResult{Message: result.Message, ConversationID: result.ConversationID}, nil
}

// BroadcastTyping is best effort; failures are logged and dropped.
func (c *Client) BroadcastTyping(ctx context.Context, conversationID string, isTyping bool, user *model.UserInfo) {
	body := map[string]any{
		"conversation_id": conversationID,
		"isTyping":        isTyping,
	}
	if user != nil {
		body["user_info"] = user
	}
	if _, err := c.postJSON(ctx, "/chat/typing", body); err != nil {
		c.log.Debug("Typing broadcast failed", zap.Error(err))
	}
}

// GetHistory fetches the conversation's messages. A 404 is an authoritative
// empty history (ok=true); a network failure or unrecognized body degrades
// to an empty slice with ok=false so the caller can fall back to its local
// cache.
func (c *Client) GetHistory(ctx context.Context, conversationID string) ([]model.Message, bool) {
	u := c.baseURL + "/chat/history?conversation_id=" + url.QueryEscape(conversationID)
	data, status, err := c.get(ctx, u)
	if err != nil {
		c.log.Warn("History fetch failed", zap.String("conversationId", conversationID), zap.Error(err))
		return []model.Message{}, false
	}
	if status == http.StatusNotFound {
		return []model.Message{}, true
	}
	if status != http.StatusOK {
		c.log.Warn("Unexpected history status", zap.Int("status", status))
		return []model.Message{}, false
	}

	msgs, ok := DecodeHistory(data)
	if !ok {
		c.log.Warn("Unrecognized history shape", zap.String("conversationId", conversationID))
		return []model.Message{}, false
	}
	return msgs, true
}

// ConversationExists asks the backend whether the conversation is still
// known. The error return lets the caller distinguish "backend said no"
// from "could not ask": a reset must only follow an authoritative no.
func (c *Client) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	u := c.baseURL + "/chat/history?conversation_id=" + url.QueryEscape(conversationID)
	_, status, err := c.get(ctx, u)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return status != http.StatusNotFound, nil
}

// DeleteConversation asks the backend to drop the conversation. Subscribers
// learn about it through the ChatDeleted realtime event.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := c.postJSON(ctx, "/chat/delete", map[string]any{"conversation_id": conversationID})
	if err != nil {
		c.log.Warn("Delete conversation failed", zap.String("conversationId", conversationID), zap.Error(err))
	}
	return err
}

// GetFlow fetches the bot flow definition. Nil means "no flow": backend 404,
// success:false, network failure or a body the flow schema rejects.
func (c *Client) GetFlow(ctx context.Context) *model.FlowDefinition {
	data, status, err := c.get(ctx, c.baseURL+"/start-flow")
	if err != nil {
		c.log.Warn("Flow fetch failed", zap.Error(err))
		return nil
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status != http.StatusOK {
		c.log.Warn("Unexpected flow status", zap.Int("status", status))
		return nil
	}

	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil || !body.Success || len(body.Data) == 0 {
		return nil
	}
	if c.validator != nil {
		if err := c.validator.ValidateFlow(body.Data); err != nil {
			c.log.Warn("Flow definition rejected", zap.Error(err))
			return nil
		}
	}
	var def model.FlowDefinition
	if err := json.Unmarshal(body.Data, &def); err != nil {
		c.log.Warn("Undecodable flow definition", zap.Error(err))
		return nil
	}
	return &def
}

func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}
