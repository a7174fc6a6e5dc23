/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package turnapi is the HTTP client for the provider's messaging API:
// sending messages, uploading media, probing/repairing contacts, and
// extending/releasing automation handles.
package turnapi

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

	"github.com/sony/gobreaker"

	"github.com/praekeltfoundation/vxwhatsapp/internal/obsmw"
)

// StatusError carries the HTTP status code of a non-2xx response so
// callers can branch on status class without re-parsing the body.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("turnapi: unexpected status %d", e.StatusCode)
}

// Client talks to one provider host over HTTPS, with every provider call
// routed through a circuit breaker so a sustained outage fails fast
// instead of piling up CONCURRENCY blocked goroutines each waiting out
// the full request timeout. FetchMedia, which GETs an arbitrary media
// URL, does not go through the breaker.
type Client struct {
	httpClient *http.Client
	baseURL    url.URL
	token      string
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Client. apiHost is a bare host[:port], matched to the
// provider's convention of a config value without a scheme. maxConns
// caps both idle and total connections per host at CONCURRENCY, so the
// HTTP connector never queues more in-flight requests than the consumer
// itself dispatches.
func New(apiHost, apiToken string, timeout time.Duration, maxConns int) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "turnapi:" + apiHost,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    url.URL{Scheme: "https", Host: apiHost},
		token:      apiToken,
		breaker:    cb,
	}
}

func (c *Client) urlFor(path string) string {
	u := c.baseURL
	u.Path = path
	return u.String()
}

// endpointLabel collapses a path carrying a dynamic message ID (the
// automation-handle variant) down to a fixed metric label, so the
// provider-latency histogram never accumulates one series per message.
func endpointLabel(path string) string {
	if strings.HasSuffix(path, "/automation") {
		return "/v1/messages/:id/automation"
	}
	return path
}

// doJSON performs an HTTP request with the given method/path/body and
// extra headers, through the circuit breaker, returning the raw
// response body on 2xx or a *StatusError otherwise.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, extraHeaders map[string]string) ([]byte, error) {
	start := time.Now()
	defer func() {
		obsmw.ProviderLatency.WithLabelValues(endpointLabel(path)).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("turnapi: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.urlFor(path), reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
		}
		return respBody, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// SendMessage posts data to /v1/messages (or path if non-empty, for the
// automation-handle variant), with the given extra headers, and returns
// the raw response body.
func (c *Client) SendMessage(ctx context.Context, path string, data map[string]interface{}, extraHeaders map[string]string) ([]byte, error) {
	if path == "" {
		path = "/v1/messages"
	}
	return c.doJSON(ctx, http.MethodPost, path, data, extraHeaders)
}

// AutomationPath builds the per-message automation-handle URL path.
func AutomationPath(inReplyTo string) string {
	return "/v1/messages/" + inReplyTo + "/automation"
}

// UploadMedia posts raw media bytes with the given content type to
// /v1/media and returns the assigned media ID.
func (c *Client) UploadMedia(ctx context.Context, contentType string, body []byte) (string, error) {
	start := time.Now()
	defer func() {
		obsmw.ProviderLatency.WithLabelValues("/v1/media").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.urlFor("/v1/media"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("turnapi: build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
		}
		var parsed struct {
			Media []struct {
				ID string `json:"id"`
			} `json:"media"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, fmt.Errorf("turnapi: decode media response: %w", err)
		}
		if len(parsed.Media) == 0 {
			return nil, fmt.Errorf("turnapi: media response has no entries")
		}
		return parsed.Media[0].ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// FetchMedia GETs an arbitrary media URL (not necessarily on this
// client's host) and returns its body and content type.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	start := time.Now()
	defer func() {
		obsmw.ProviderLatency.WithLabelValues("media_fetch").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("turnapi: build fetch request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("turnapi: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("turnapi: fetch media status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("turnapi: read media body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// ProbeContact posts a blocking contact-check for to and returns
// whether the provider considers it a valid WhatsApp address.
func (c *Client) ProbeContact(ctx context.Context, to string) (bool, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/v1/contacts", map[string]interface{}{
		"blocking": "wait",
		"contacts": []string{to},
	}, nil)
	if err != nil {
		return false, err
	}
	var parsed struct {
		Contacts []struct {
			Status string `json:"status"`
		} `json:"contacts"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("turnapi: decode contacts response: %w", err)
	}
	if len(parsed.Contacts) == 0 {
		return false, nil
	}
	return parsed.Contacts[0].Status == "valid", nil
}
