package client

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

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Msg)
}

// HTTPAPI implements API over the server's REST routes.
type HTTPAPI struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPAPI returns an API rooted at baseURL (e.g. http://localhost:8080).
// token is sent as a bearer token when non-empty.
func NewHTTPAPI(baseURL, token string, httpClient *http.Client) *HTTPAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAPI{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: httpClient,
	}
}

func (a *HTTPAPI) ListChatsForUser(ctx context.Context, username string) ([]proto.Chat, error) {
	var chats []proto.Chat
	err := a.do(ctx, http.MethodGet, "/chat/getChatsByUser/"+url.PathEscape(username), nil, &chats)
	return chats, err
}

func (a *HTTPAPI) GetChat(ctx context.Context, chatID string) (proto.Chat, error) {
	var chat proto.Chat
	err := a.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID), nil, &chat)
	return chat, err
}

func (a *HTTPAPI) CreateChat(ctx context.Context, participants []string) (proto.Chat, error) {
	var chat proto.Chat
	err := a.do(ctx, http.MethodPost, "/chat/createChat", proto.CreateChatRequest{Participants: participants}, &chat)
	return chat, err
}

func (a *HTTPAPI) SendMessage(ctx context.Context, chatID string, msg proto.MessagePayload) (proto.Chat, error) {
	var chat proto.Chat
	err := a.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/addMessage", msg, &chat)
	return chat, err
}

func (a *HTTPAPI) AddParticipant(ctx context.Context, chatID, participant string) (proto.Chat, error) {
	var chat proto.Chat
	err := a.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/addParticipant", proto.AddParticipantRequest{Participant: participant}, &chat)
	return chat, err
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Msg: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
