// Package nodeagent is the Scheduler's client to container hosts: it only
// initiates runs and polls liveness — batch progress arrives back through
// Broker callbacks, per spec.md §4.5. The HTTP shape follows the pack's
// do()-helper client convention (wisbric-nightowl/pkg/mattermost/client.go);
// the liveness tracker in heartbeat.go adapts the teacher's
// jobs/recovery.go worker-heartbeat mechanism from workers to nodes.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LaunchResult is the outcome NodeAgentClient.launch reports, classified
// per spec.md §4.5/§4.7.
type LaunchResult string

const (
	LaunchAccepted         LaunchResult = "accepted"
	LaunchRejected         LaunchResult = "rejected"
	LaunchTransportFailure LaunchResult = "transportFailure"
)

// Runtime selects the container runtime a launch spec demands.
type Runtime string

const (
	RuntimeRunc   Runtime = "runc"
	RuntimeNvidia Runtime = "nvidia"
)

// LaunchSpec carries everything an agent needs to start a batch.
type LaunchSpec struct {
	Image        string         `json:"image"`
	Command      []string       `json:"command,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Runtime      Runtime        `json:"runtime"`
	MountInputs  bool           `json:"mountInputs"`
	MountOutputs bool           `json:"mountOutputs"`
}

// CallbackURLs are the three phase endpoints the agent posts back to.
type CallbackURLs struct {
	Input  string `json:"input"`
	Main   string `json:"main"`
	Output string `json:"output"`
}

// GPUFree describes one physical GPU's free capacity as reported by Probe.
type GPUFree struct {
	ID          string `json:"id"`
	VRAMFreeMiB int    `json:"vramFreeMib"`
}

// ProbeResult is NodeAgentClient.probe's response.
type ProbeResult struct {
	Alive      bool      `json:"alive"`
	RAMFreeMiB *int      `json:"ramFree,omitempty"`
	GPUsFree   []GPUFree `json:"gpusFree,omitempty"`
}

// Client talks to one or more container-host agents over HTTP, keyed by
// each call's nodeURL.
type Client struct {
	httpClient *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type launchRequest struct {
	BatchID      uuid.UUID    `json:"batchId"`
	Spec         LaunchSpec   `json:"spec"`
	CallbackURLs CallbackURLs `json:"callbackUrls"`
	CallbackToken string      `json:"callbackToken"`
}

// Launch asks nodeURL to start batchID. Transport errors (including
// timeouts) are reported as LaunchTransportFailure rather than as a Go
// error, so callers can classify without inspecting err — Scheduler Phase A
// treats transportFailure as retryable and everything else as a hard error.
func (c *Client) Launch(ctx context.Context, nodeURL string, batchID uuid.UUID, spec LaunchSpec, callbackURLs CallbackURLs, callbackToken string) (LaunchResult, error) {
	body := launchRequest{BatchID: batchID, Spec: spec, CallbackURLs: callbackURLs, CallbackToken: callbackToken}
	b, err := json.Marshal(body)
	if err != nil {
		return LaunchRejected, fmt.Errorf("marshalling launch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(nodeURL, "/")+"/batch", bytes.NewReader(b))
	if err != nil {
		return LaunchRejected, fmt.Errorf("building launch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LaunchTransportFailure, nil
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return LaunchAccepted, nil
	case resp.StatusCode >= 500:
		return LaunchTransportFailure, nil
	default:
		return LaunchRejected, nil
	}
}

// Probe checks a node's liveness and free capacity.
func (c *Client) Probe(ctx context.Context, nodeURL string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(nodeURL, "/")+"/node", nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("building probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProbeResult{Alive: false}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{Alive: false}, nil
	}

	var result ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ProbeResult{}, fmt.Errorf("decoding probe response: %w", err)
	}
	result.Alive = true
	return result, nil
}

// ProbeBatch asks nodeURL whether batchID is known to it; returns false,nil
// for "unknown" (the agent has no record), which Phase R treats the same as
// an unreachable node.
func (c *Client) ProbeBatch(ctx context.Context, nodeURL string, batchID uuid.UUID) (known bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/batch/%s", strings.TrimRight(nodeURL, "/"), batchID), nil)
	if err != nil {
		return false, fmt.Errorf("building batch probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return resp.StatusCode == http.StatusOK, nil
}

// Cancel best-effort asks nodeURL to stop batchID; errors are not fatal to
// the caller, per spec.md §4.7 Phase C.
func (c *Client) Cancel(ctx context.Context, nodeURL string, batchID uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/batch/%s", strings.TrimRight(nodeURL, "/"), batchID), nil)
	if err != nil {
		return fmt.Errorf("building cancel request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel rejected (status %d): %s", resp.StatusCode, b)
	}
	return nil
}
