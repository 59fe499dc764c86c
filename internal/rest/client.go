// Package rest talks to the chat server's HTTP API: login, the user
// directory, and conversation summaries. Identity always comes from the
// server; the client never decodes the token it is handed.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmelo/parley/internal/transport"
)

const defaultTimeout = 15 * time.Second

// Credentials identify a user for login. Identifier is an email address
// or a phone number.
type Credentials struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Session is the server's answer to a successful login.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Peer is a directory entry.
type Peer struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Conversation summarizes an existing thread with a peer.
type Conversation struct {
	PeerID      string    `json:"peerId"`
	PeerName    string    `json:"peerName"`
	LastMessage string    `json:"lastMessage,omitempty"`
	LastAt      time.Time `json:"lastAt,omitempty"`
	Unread      int       `json:"unread,omitempty"`
}

// APIError is a non-2xx response the server explained.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// Client is the HTTP collaborator. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for baseURL. token may be empty before login.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, typically right after Login.
func (c *Client) SetToken(token string) { c.token = token }

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, creds Credentials) (Session, error) {
	var sess Session
	if err := c.doRequest(ctx, http.MethodPost, "/auth/login", creds, &sess); err != nil {
		return Session{}, err
	}
	if sess.Token == "" {
		return Session{}, fmt.Errorf("login response missing token")
	}
	return sess, nil
}

// Users lists the user directory.
func (c *Client) Users(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := c.doRequest(ctx, http.MethodGet, "/users", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Conversations lists thread summaries, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &transport.AuthError{Reason: errorMessage(raw, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw, resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage pulls the server's {"message": ...} out of an error body.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return http.StatusText(status)
}
