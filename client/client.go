// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client for the asynchronous RPC broker. It
// mirrors the submit → await flow of the reference clients: submit
// returns as soon as the broker accepts the request, and the result
// is collected separately by polling or long-polling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/devioarts/asyncrpc/broker"
	"github.com/devioarts/asyncrpc/lib/netutil"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the broker root, e.g. "http://192.168.1.20:6002".
	// Required.
	BaseURL string

	// Token is sent in the X-Auth-Token header when non-empty.
	Token string

	// HTTPClient defaults to a client with a 60 s overall timeout.
	HTTPClient *http.Client
}

// Client talks to one broker. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client. Panics if BaseURL is empty.
func New(config Config) *Client {
	if config.BaseURL == "" {
		panic("client.New: BaseURL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    config.BaseURL,
		token:      config.Token,
		httpClient: httpClient,
	}
}

// Submission is one method invocation request.
type Submission struct {
	// ID must be unique while the request or its result is live on
	// the broker. Submit generates one when empty.
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`

	// RequestTtlMs and ResultTtlMs override the broker defaults,
	// clamped server-side.
	RequestTtlMs int `json:"requestTtlMs,omitempty"`
	ResultTtlMs  int `json:"resultTtlMs,omitempty"`
}

// Submit sends one submission and returns the accepted id. Acceptance
// means stored, not executed; collect the outcome with Await.
// Rejections surface as *broker.Error with the broker's error kind.
func (c *Client) Submit(ctx context.Context, submission Submission) (string, error) {
	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}
	var response struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/rpc", submission, http.StatusAccepted, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

// Call submits a method invocation and blocks until its result
// arrives or ctx is cancelled. Convenience for the common
// submit-then-await round trip.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, err := c.Submit(ctx, Submission{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id)
}

// BatchItem is one outcome of a batch submission, in input order.
type BatchItem struct {
	ID    string        `json:"id"`
	State broker.State  `json:"state"`
	Error *broker.Error `json:"error"`
}

// Accepted reports whether this item entered the pending state.
func (item BatchItem) Accepted() bool { return item.Error == nil }

// SubmitBatch sends submissions as one batch. Items are admitted
// independently; inspect each returned item. Missing ids are filled
// in before sending.
func (c *Client) SubmitBatch(ctx context.Context, submissions []Submission) ([]BatchItem, error) {
	for i := range submissions {
		if submissions[i].ID == "" {
			submissions[i].ID = uuid.NewString()
		}
	}
	var response struct {
		Results []BatchItem `json:"results"`
	}
	payload := struct {
		Items []Submission `json:"items"`
	}{submissions}
	if err := c.post(ctx, "/rpc/batch", payload, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// Await polls until the id reaches a terminal state or ctx is done,
// sleeping 300–600 ms between attempts (the reference client's
// jittered cadence). A failure, cancellation, or expiry outcome is
// returned as a *broker.Error.
func (c *Client) Await(ctx context.Context, id string) (json.RawMessage, error) {
	for {
		value, ready, err := c.TryAwait(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		if ready {
			return value, nil
		}
		delay := 300*time.Millisecond + time.Duration(rand.Int64N(int64(300*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// TryAwait performs a single await round trip. waitMs > 0 asks the
// broker to long-poll up to that budget (bounded server-side). ready
// is false when the request is still pending.
func (c *Client) TryAwait(ctx context.Context, id string, waitMs int) (json.RawMessage, bool, error) {
	path := "/rpc/await?id=" + url.QueryEscape(id)
	if waitMs > 0 {
		path += "&waitMs=" + strconv.Itoa(waitMs)
	}

	response, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusOK:
		var envelope struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *broker.Error   `json:"error"`
		}
		if err := netutil.DecodeResponse(response.Body, &envelope); err != nil {
			return nil, false, fmt.Errorf("decoding await response: %w", err)
		}
		if envelope.Error != nil {
			return nil, false, envelope.Error
		}
		return envelope.Result, true, nil
	default:
		return nil, false, decodeErrorResponse(response)
	}
}

// Status reads the id's state without consuming or blocking.
func (c *Client) Status(ctx context.Context, id string) (broker.State, error) {
	response, err := c.do(ctx, http.MethodGet, "/rpc/status?id="+url.QueryEscape(id), nil)
	if err != nil {
		return broker.StateUnknown, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return broker.StateUnknown, decodeErrorResponse(response)
	}
	var envelope struct {
		State broker.State `json:"state"`
	}
	if err := netutil.DecodeResponse(response.Body, &envelope); err != nil {
		return broker.StateUnknown, fmt.Errorf("decoding status response: %w", err)
	}
	return envelope.State, nil
}

// Cancel requests cancellation. The returned state is the id's
// terminal state: "cancelled" when the cancel won, or whatever
// terminal state it already had.
func (c *Client) Cancel(ctx context.Context, id string) (broker.State, error) {
	var envelope struct {
		State broker.State `json:"state"`
	}
	payload := struct {
		ID string `json:"id"`
	}{id}
	if err := c.post(ctx, "/rpc/cancel", payload, http.StatusOK, &envelope); err != nil {
		return broker.StateUnknown, err
	}
	return envelope.State, nil
}

// Info fetches the broker's config/runtime snapshot.
func (c *Client) Info(ctx context.Context) (broker.Info, error) {
	response, err := c.do(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return broker.Info{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return broker.Info{}, decodeErrorResponse(response)
	}
	var info broker.Info
	if err := netutil.DecodeResponse(response.Body, &info); err != nil {
		return broker.Info{}, fmt.Errorf("decoding info response: %w", err)
	}
	return info, nil
}

// Health checks liveness. Works without a token by design.
func (c *Client) Health(ctx context.Context) error {
	response, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", response.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, wantStatus int, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	response, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != wantStatus {
		return decodeErrorResponse(response)
	}
	if v == nil {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set(broker.AuthHeader, c.token)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return response, nil
}

// decodeErrorResponse maps a non-success response to a *broker.Error
// when the body carries the error envelope, falling back to a plain
// error with the raw body for anything else.
func decodeErrorResponse(response *http.Response) error {
	body := netutil.ErrorBody(response.Body)
	var envelope struct {
		Error *broker.Error `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error != nil {
		return envelope.Error
	}
	return fmt.Errorf("status %d: %s", response.StatusCode, body)
}
