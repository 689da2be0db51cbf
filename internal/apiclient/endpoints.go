package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/xiaot623/gogo/convo/internal/credstore"
	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Endpoint paths relative to the API base URL.
const (
	PathLogin                = "/auth/login"
	PathConversation         = "/conversations/%s"
	PathConversationMessages = "/conversations/%s/messages"
	PathServiceRequest       = "/conversations/service-request/%s"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	UserID       string      `json:"user_id"`
	Role         domain.Role `json:"role,omitempty"`
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// Login authenticates and stores the returned credential pair.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	resp, err := c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         PathLogin,
		Body:         LoginRequest{Email: email, Password: password},
		AuthEndpoint: true,
	})
	if err != nil {
		return nil, err
	}

	var login LoginResponse
	if err := resp.Decode(&login); err != nil {
		return nil, err
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		return nil, fmt.Errorf("login response is missing tokens")
	}

	creds := domain.Credentials{AccessToken: login.AccessToken, RefreshToken: login.RefreshToken}
	if err := credstore.Save(ctx, c.store, creds); err != nil {
		return nil, err
	}
	c.logger.Info().Str("user_id", login.UserID).Msg("logged in")
	return &login, nil
}

// Logout forgets the stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation and its message history.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*domain.ConversationHistory, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf(PathConversation, url.PathEscape(conversationID)),
	})
	if err != nil {
		return nil, err
	}

	var history domain.ConversationHistory
	if err := resp.Decode(&history); err != nil {
		return nil, err
	}
	return &history, nil
}

// FindByServiceRequest looks up the conversation attached to a service request.
// It returns an error matching domain.ErrNotFound if there is none.
func (c *Client) FindByServiceRequest(ctx context.Context, serviceRequestID string) (*domain.Conversation, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf(PathServiceRequest, url.PathEscape(serviceRequestID)),
	})
	if err != nil {
		return nil, err
	}

	var conv domain.Conversation
	if err := resp.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage posts a message over REST and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (*domain.Message, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf(PathConversationMessages, url.PathEscape(conversationID)),
		Body:   SendMessageRequest{Text: text},
	})
	if err != nil {
		return nil, err
	}

	var msg domain.Message
	if err := resp.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
