// Package secretclient is the Broker/Scheduler's HTTP client to the Trustee
// secret store named in spec.md §6/§4.4 (put/get/delete of protected RED
// keys, each call keyed by a batch's secret bundle id). Grounded on the
// do()-helper HTTP client shape used across the pack for small JSON REST
// clients (wisbric-nightowl/pkg/mattermost/client.go), since the teacher
// repo carries no first-party outbound HTTP client of its own.
package secretclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ccagency/agency/internal/errkind"
)

// Client talks to the Trustee secret store over HTTP basic auth.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Put stores bundle under bundleID, overwriting any existing bundle.
func (c *Client) Put(ctx context.Context, bundleID string, bundle map[string]any) error {
	return c.do(ctx, http.MethodPost, "/secrets/"+bundleID, bundle, nil)
}

// Get retrieves keys from bundleID. Any key absent from the bundle is
// reported in missingKeys rather than as an error; spec.md §4.4 classifies
// a non-empty missingKeys as fatal for the batch, distinct from a
// transport failure which is retryable.
func (c *Client) Get(ctx context.Context, bundleID string, keys []string) (values map[string]any, missingKeys []string, err error) {
	var result struct {
		Values      map[string]any `json:"values"`
		MissingKeys []string       `json:"missingKeys"`
	}
	path := "/secrets/" + bundleID + "?keys=" + strings.Join(keys, ",")
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, nil, err
	}
	return result.Values, result.MissingKeys, nil
}

// Delete removes keys from bundleID. Deleting an already-absent bundle is
// not an error, since Phase R's reaping pass may race with an earlier
// deletion attempt that partially succeeded.
func (c *Client) Delete(ctx context.Context, bundleID string, keys []string) error {
	body := struct {
		Keys []string `json:"keys"`
	}{Keys: keys}
	return c.do(ctx, http.MethodDelete, "/secrets/"+bundleID, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errkind.Wrap(errkind.Internal, "marshalling trustee request", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "building trustee request", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transport, "calling trustee", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		return nil
	}
	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return errkind.New(errkind.Transport, fmt.Sprintf("trustee error (status %d): %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return errkind.New(errkind.SecretFailure, fmt.Sprintf("trustee rejected request (status %d): %s", resp.StatusCode, respBody)).WithDebug(string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errkind.Wrap(errkind.Internal, "decoding trustee response", err)
		}
	}
	return nil
}
