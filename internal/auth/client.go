package auth

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
)

// Token endpoint paths.
const (
	TokenPath        = "/api/token/"
	TokenRefreshPath = "/api/token/refresh/"
	LogoutPath       = "/api/logout/"
)

// TokenPair is the token endpoint response. Refresh is optional on renewal.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// AuthAPI is the server side of the session lifecycle.
type AuthAPI interface {
	Obtain(ctx context.Context, email, password string) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// StatusError is a non-2xx response from an auth endpoint.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// HTTPAuthClient talks to the token endpoints over HTTP.
type HTTPAuthClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAuthClient builds an auth client rooted at baseURL.
func NewHTTPAuthClient(baseURL string, httpClient *http.Client) *HTTPAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAuthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Obtain exchanges email and password for a token pair.
// 400 and 401 responses map to ErrInvalidCredentials.
func (c *HTTPAuthClient) Obtain(ctx context.Context, email, password string) (TokenPair, error) {
	var pair TokenPair
	err := c.postJSON(ctx, TokenPath, "", map[string]string{
		"email":    email,
		"password": password,
	}, &pair)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.StatusCode == http.StatusBadRequest || statusErr.StatusCode == http.StatusUnauthorized) {
			return TokenPair{}, InvalidCredentials(statusErr.Detail)
		}
		return TokenPair{}, err
	}
	if strings.TrimSpace(pair.Access) == "" || strings.TrimSpace(pair.Refresh) == "" {
		return TokenPair{}, errors.New("token response missing access or refresh token")
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *HTTPAuthClient) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var pair TokenPair
	if err := c.postJSON(ctx, TokenRefreshPath, "", map[string]string{
		"refresh": refreshToken,
	}, &pair); err != nil {
		return TokenPair{}, err
	}
	if strings.TrimSpace(pair.Access) == "" {
		return TokenPair{}, errors.New("refresh response missing access token")
	}
	return pair, nil
}

// Logout asks the server to blacklist the refresh token.
func (c *HTTPAuthClient) Logout(ctx context.Context, accessToken, refreshToken string) error {
	return c.postJSON(ctx, LogoutPath, accessToken, map[string]string{
		"refresh_token": refreshToken,
	}, nil)
}

func (c *HTTPAuthClient) postJSON(ctx context.Context, path, bearer string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NetworkUnavailable("POST "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NetworkUnavailable("read "+path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorDetail extracts the "detail" message DRF error bodies carry.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
