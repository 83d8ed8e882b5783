// Package authclient is a small Go client for the sessionguard HTTP API,
// meant for services that hold refresh tokens themselves rather than in a
// browser cookie jar.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skotchmaster/sessionguard/internal/domain"
)

var (
	ErrInvalidToken       = domain.ErrInvalidToken
	ErrExpiredToken       = domain.ErrExpiredToken
	ErrTokenReuse         = domain.ErrTokenReuse
	ErrInvalidCredentials = domain.ErrInvalidCredentials
)

const refreshCookie = "refreshToken"

// StatusError is returned for non-2xx responses that do not map to one of
// the authentication errors above.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("authclient: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("authclient: status %d: %s", e.StatusCode, e.Code)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(authServiceURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(authServiceURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type Tokens struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*Tokens, error) {
	resp, err := c.post(ctx, "/auth/login", map[string]string{"email": email, "password": password}, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Tokens
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == refreshCookie {
			out.RefreshToken = ck.Value
			out.RefreshExpiresAt = ck.Expires
		}
	}
	if out.RefreshToken == "" {
		return nil, errors.New("authclient: login response carried no refresh token")
	}
	return &out, nil
}

// Refresh rotates refreshToken. The old token must be discarded: presenting
// it again is treated as theft and ends every session of the user.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	resp, err := c.post(ctx, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Tokens
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	resp, err := c.post(ctx, "/auth/logout", nil, accessToken)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	resp, err := c.post(ctx, "/auth/revoke", map[string]string{"refresh_token": refreshToken}, "")
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) post(ctx context.Context, path string, body any, bearer string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	if resp.StatusCode == http.StatusUnauthorized {
		switch body.Error {
		case "invalid_token":
			return ErrInvalidToken
		case "expired_token":
			return ErrExpiredToken
		case "token_reuse":
			return ErrTokenReuse
		case "invalid_credentials":
			return ErrInvalidCredentials
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Code: body.Error}
}

func drain(resp *http.Response) error {
	defer resp.Body.Close()
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}
