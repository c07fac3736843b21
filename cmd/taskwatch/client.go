// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/netutil"
)

// defaultServer matches the daemon's default listen address.
const defaultServer = "http://127.0.0.1:7700"

// requestTimeout bounds one query or registration round trip. Event
// streams are exempt; they stay open for the life of the subscription.
const requestTimeout = 30 * time.Second

// client talks to a taskwatchd instance.
type client struct {
	base string
	http *http.Client
}

// resolveServer picks the daemon address: the --server flag, then the
// TASKWATCH_SERVER environment variable, then the default. A bare
// host:port gets an http scheme.
func resolveServer(flagValue string) string {
	address := flagValue
	if address == "" {
		address = os.Getenv("TASKWATCH_SERVER")
	}
	if address == "" {
		address = defaultServer
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return strings.TrimRight(address, "/")
}

func newClient(server string) *client {
	return &client{
		base: resolveServer(server),
		http: &http.Client{},
	}
}

// getJSON performs a GET and decodes the 200 response into out.
func (c *client) getJSON(path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.base, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return apiError(response)
	}
	if err := netutil.DecodeResponse(response.Body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// postJSON performs a POST with a JSON body, accepting any 2xx status.
// A non-nil out receives the decoded response body.
func (c *client) postJSON(path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.base, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return apiError(response)
	}
	if out != nil {
		if err := netutil.DecodeResponse(response.Body, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

// stream opens the event stream at path. The caller owns the returned
// body and closes it to end the subscription; cancelling ctx does the
// same.
func (c *client) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.base, err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, apiError(response)
	}
	return response.Body, nil
}

// apiError turns a non-2xx response into an error, preferring the
// daemon's JSON error envelope over the raw body.
func apiError(response *http.Response) error {
	body := netutil.ErrorBody(response.Body)

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("%s", envelope.Error)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("server returned %s", response.Status)
	}
	return fmt.Errorf("server returned %s: %s", response.Status, body)
}
