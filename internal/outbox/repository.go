package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/wire"
)

// HTTPRepository persists messages through the marketplace REST API.
// The response body is the server-confirmed message with its stable id.
type HTTPRepository struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRepository creates a repository against the given API base URL.
func NewHTTPRepository(baseURL string) *HTTPRepository {
	return &HTTPRepository{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type sendRequest struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Type           string             `json:"type"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
}

// SendMessage posts the message and returns the server-confirmed copy.
func (r *HTTPRepository) SendMessage(ctx context.Context, conversationID, body, messageType string, attachments []store.Attachment) (*store.Message, error) {
	payload, err := json.Marshal(sendRequest{
		ConversationID: conversationID,
		Content:        body,
		Type:           messageType,
		Attachments:    attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("post message: unexpected status %d", resp.StatusCode)
	}

	var confirmed wire.MessagePayload
	if err := json.NewDecoder(resp.Body).Decode(&confirmed); err != nil {
		return nil, fmt.Errorf("decode confirmed message: %w", err)
	}
	if confirmed.ID == "" {
		return nil, fmt.Errorf("confirmed message missing id")
	}
	return confirmed.ToStoreMessage(), nil
}

// FetchRole returns the authenticated user's marketplace role.
func (r *HTTPRepository) FetchRole(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/session/role", nil)
	if err != nil {
		return "", fmt.Errorf("build role request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch role: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch role: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode role: %w", err)
	}
	if body.Role == "" {
		return "", fmt.Errorf("role missing in response")
	}
	return body.Role, nil
}
