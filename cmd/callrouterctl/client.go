package main

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

// apiClient talks to the callrouter HTTP API and unwraps its
// {"data","error"} envelope.
type apiClient struct {
	baseURL    string
	httpClient *http.Client

	token        string
	clientName   string
	clientSecret string
}

// apiError is a non-2xx reply from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// authenticate exchanges client credentials for a token unless one is
// already set.
func (c *apiClient) authenticate(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	if c.clientName == "" || c.clientSecret == "" {
		return errors.New("no credentials: set --token or --client and --secret")
	}
	var tok struct {
		Token string `json:"token"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", map[string]string{
		"client_name":   c.clientName,
		"client_secret": c.clientSecret,
	}, &tok, false)
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}
	c.token = tok.Token
	return nil
}

// do sends an authenticated request. out may be nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	return c.send(ctx, method, path, body, out, true)
}

func (c *apiClient) send(ctx context.Context, method, path string, body, out any, auth bool) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &apiError{Status: resp.StatusCode}
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
