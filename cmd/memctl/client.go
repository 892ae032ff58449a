package main

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

	memhttp "github.com/fyrsmithlabs/memoryd/internal/http"
)

// apiError is a non-2xx response from memoryd.
type apiError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("server returned status %d: %s (request %s)", e.Status, msg, e.RequestID)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, msg)
}

// client calls the memoryd HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func userPath(owner, suffix string) string {
	return "/api/v1/users/" + url.PathEscape(owner) + suffix
}

// do sends a JSON request and decodes a JSON response into out. Statuses in
// accept are treated as success in addition to 2xx.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any, accept ...int) (int, error) {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if !ok(resp.StatusCode, accept) {
		return resp.StatusCode, decodeError(resp)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// download streams the response body into w.
func (c *client) download(ctx context.Context, path string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if !ok(resp.StatusCode, nil) {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", c.baseURL, err)
	}
	return resp, nil
}

func ok(status int, accept []int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	for _, a := range accept {
		if status == a {
			return true
		}
	}
	return false
}

func decodeError(resp *http.Response) error {
	e := &apiError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return e
	}
	var er memhttp.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		e.Message, e.RequestID = er.Error, er.RequestID
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
