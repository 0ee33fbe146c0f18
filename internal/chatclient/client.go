// Package chatclient talks to the chat HTTP API and keeps a locally displayed
// history in step with it.
package chatclient

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
)

// APIError is a non-2xx response. Message is the server's error text.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

type Character struct {
	ID          uint64   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

type Message struct {
	ID        uint64    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type History struct {
	ConversationID string     `json:"conversationId"`
	Character      *Character `json:"character"`
	Messages       []Message  `json:"history"`
}

type TurnRequest struct {
	UserID         string `json:"userId,omitempty"`
	Prompt         string `json:"prompt"`
	CharacterKey   string `json:"characterKey,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type TurnResponse struct {
	ConversationID string `json:"conversationId"`
	AssistantText  string `json:"assistantText"`
	MessageID      uint64 `json:"messageId"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends an identity bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
			Code  int    `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) SendTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	var out TurnResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Retry(ctx context.Context, userID, conversationID string) (*TurnResponse, error) {
	var out TurnResponse
	in := map[string]string{"userId": userID, "conversationId": conversationID}
	if err := c.do(ctx, http.MethodPost, "/api/chat/retry", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History resolves the user's conversation with a character and returns it.
func (c *Client) History(ctx context.Context, userID, characterKey string) (*History, error) {
	var out History
	q := url.Values{"userId": {userID}, "characterKey": {characterKey}}
	if err := c.do(ctx, http.MethodGet, "/api/history", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Conversation(ctx context.Context, userID, conversationID string) (*History, error) {
	var out History
	q := url.Values{}
	if userID != "" {
		q.Set("userId", userID)
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reset(ctx context.Context, userID, conversationID string) error {
	q := url.Values{}
	if userID != "" {
		q.Set("userId", userID)
	}
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID), q, nil, nil)
}

func (c *Client) Characters(ctx context.Context) ([]Character, error) {
	var out struct {
		Characters []Character `json:"characters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/characters", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Characters, nil
}
