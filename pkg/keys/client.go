package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client calls an external keys service for encryption and decryption.
// The service token is shared process-wide and authenticates this service
// against the collaborator.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a keys service client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// WithTimeout overrides the per call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.client.Timeout = d
	}
	return c
}

type cipherRequest struct {
	Token string `json:"token"`
	Data  string `json:"data"`
}

type cipherResponse struct {
	Data string `json:"data"`
}

// Encrypt seals plaintext via the external keys service.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	return c.call(ctx, "/v1/encrypt", string(plaintext))
}

// Decrypt reveals ciphertext via the external keys service.
func (c *Client) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	data, err := c.call(ctx, "/v1/decrypt", ciphertext)
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func (c *Client) call(ctx context.Context, path, data string) (string, error) {
	body, err := json.Marshal(cipherRequest{Token: c.token, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("keys service rejected request: status %d", resp.StatusCode)
	}

	var out cipherResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Data, nil
}
