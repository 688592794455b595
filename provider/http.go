package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 512

// HTTPError is a non-2xx upstream response received before streaming began.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s API error (status %d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// IsHTTPError reports whether err wraps an *HTTPError and returns it.
func IsHTTPError(err error) (*HTTPError, bool) {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr, true
	}
	return nil, false
}

// DefaultHTTPClient is used by adapters that were not given a client. It has
// no overall timeout because streams may legitimately run for minutes; idle
// detection is done by the caller.
var DefaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	},
}

// PostStream sends body to url and returns the response once the upstream
// accepted it. Non-2xx responses are drained, closed and returned as
// *HTTPError carrying at most 512 bytes of the body.
func PostStream(ctx context.Context, client *http.Client, name, url string, headers http.Header, body []byte) (*http.Response, error) {
	if client == nil {
		client = DefaultHTTPClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := CheckResponse(name, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckResponse converts a non-2xx response into *HTTPError and closes its
// body. 2xx responses are left untouched.
func CheckResponse(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return &HTTPError{
		Provider:   name,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

// BearerHeaders returns the Authorization header most upstreams expect.
func BearerHeaders(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}
