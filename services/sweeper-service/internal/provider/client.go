package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/stoik/chatsweep/internal/models"
)

const chatPageSize = 100

// HTTPProvider implements the Provider interface against the platform's HTTP API.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client

	mu        sync.RWMutex
	connected bool
}

// NewHTTPProvider creates a new HTTP provider client authenticated with the given session handle.
func NewHTTPProvider(baseURL, sessionHandle string, timeout time.Duration) *HTTPProvider {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPProvider{
		baseURL: baseURL,
		token:   sessionHandle,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewProvider creates a provider instance for a session based on configuration.
func NewProvider(sessionHandle string) Provider {
	return NewHTTPProvider(
		viper.GetString("provider.api_url"),
		sessionHandle,
		viper.GetDuration("provider.timeout"),
	)
}

// Connect implements Provider.Connect by verifying the session against the platform.
func (p *HTTPProvider) Connect(ctx context.Context) error {
	if p.token == "" {
		return ErrNotAuthorized
	}
	var me models.ProviderUser
	if err := p.do(ctx, http.MethodGet, "/api/me", nil, nil, &me); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Me implements Provider.Me
func (p *HTTPProvider) Me(ctx context.Context) (models.ProviderUser, error) {
	var me models.ProviderUser
	if err := p.requireConnected(); err != nil {
		return me, err
	}
	if err := p.do(ctx, http.MethodGet, "/api/me", nil, nil, &me); err != nil {
		return me, fmt.Errorf("failed to get session owner: %w", err)
	}
	return me, nil
}

// IterChats implements Provider.IterChats, fetching one page of chats at a time.
func (p *HTTPProvider) IterChats(ctx context.Context, fn func(models.ProviderChat) error) error {
	if err := p.requireConnected(); err != nil {
		return err
	}

	for offset := 0; ; offset += chatPageSize {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(chatPageSize))

		var chats []models.ProviderChat
		if err := p.do(ctx, http.MethodGet, "/api/chats", q, nil, &chats); err != nil {
			return fmt.Errorf("failed to list chats: %w", err)
		}
		for _, chat := range chats {
			if err := fn(chat); err != nil {
				return err
			}
		}
		if len(chats) < chatPageSize {
			return nil
		}
	}
}

// GetMessages implements Provider.GetMessages
func (p *HTTPProvider) GetMessages(ctx context.Context, chatID int64, mq MessageQuery) ([]models.ProviderMessage, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}

	q := url.Values{}
	if mq.OffsetID > 0 {
		q.Set("offset_id", strconv.FormatInt(mq.OffsetID, 10))
	}
	if mq.MinID > 0 {
		q.Set("min_id", strconv.FormatInt(mq.MinID, 10))
	}
	if !mq.Since.IsZero() {
		q.Set("since", mq.Since.UTC().Format(time.RFC3339))
	}
	if mq.Limit > 0 {
		q.Set("limit", strconv.Itoa(mq.Limit))
	}

	var messages []models.ProviderMessage
	path := fmt.Sprintf("/api/chats/%d/messages", chatID)
	if err := p.do(ctx, http.MethodGet, path, q, nil, &messages); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

// DeleteMessages implements Provider.DeleteMessages
func (p *HTTPProvider) DeleteMessages(ctx context.Context, chatID int64, ids []int64, revoke bool) (int, error) {
	if err := p.requireConnected(); err != nil {
		return 0, err
	}

	var resp models.DeleteResponse
	path := fmt.Sprintf("/api/chats/%d/delete", chatID)
	body := models.DeleteRequest{IDs: ids, Revoke: revoke}
	if err := p.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return resp.Deleted, nil
}

// SendMessage implements Provider.SendMessage
func (p *HTTPProvider) SendMessage(ctx context.Context, chatID int64, text string) (models.ProviderMessage, error) {
	var msg models.ProviderMessage
	if err := p.requireConnected(); err != nil {
		return msg, err
	}

	path := fmt.Sprintf("/api/chats/%d/messages", chatID)
	if err := p.do(ctx, http.MethodPost, path, nil, models.SendRequest{Text: text}, &msg); err != nil {
		return msg, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// GetChatDescription implements Provider.GetChatDescription
func (p *HTTPProvider) GetChatDescription(ctx context.Context, chatID int64) (string, error) {
	if err := p.requireConnected(); err != nil {
		return "", err
	}

	var desc models.ChatDescription
	path := fmt.Sprintf("/api/chats/%d/description", chatID)
	if err := p.do(ctx, http.MethodGet, path, nil, nil, &desc); err != nil {
		return "", fmt.Errorf("failed to get chat description: %w", err)
	}
	return desc.About, nil
}

// Close implements Provider.Close
func (p *HTTPProvider) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.client.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) requireConnected() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return ErrNotConnected
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError maps a non-2xx platform response onto the error taxonomy.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er models.ErrorResponse
	_ = json.Unmarshal(body, &er)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		wait := er.RetryAfter
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				wait = secs
			}
		}
		return &RateLimitedError{Wait: time.Duration(wait) * time.Second}
	case http.StatusLocked:
		return ErrResourceLocked
	case http.StatusForbidden:
		reason := er.Reason
		if reason == "" {
			reason = ReasonForbidden
		}
		return &PermissionError{Reason: reason}
	case http.StatusUnauthorized:
		return ErrNotAuthorized
	default:
		return &TransientError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}
}
