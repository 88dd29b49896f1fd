// Package notifier delivers terminal-batch webhooks with at-least-once
// semantics, per spec.md §4.8: exponential backoff (base 2s, cap 60s, max 5
// attempts), batch ids sorted within one attempt, notificationsSent only
// flipped once every declared URL for a batch has had an attempt made.
// Grounded on the teacher's go.mod dependency on cenkalti/backoff/v4 (the
// teacher itself doesn't use it directly in a kept package, so this is the
// one place in the transformed repo that exercises it) and on the
// do()-style HTTP client shape used across the pack.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/ccagency/agency/internal/store"
)

// BatchState is one line of a webhook payload's batch list.
type BatchState struct {
	BatchID uuid.UUID `json:"batchId"`
	State   string    `json:"state"`
}

type webhookPayload struct {
	ExperimentID uuid.UUID    `json:"experimentId"`
	Batches      []BatchState `json:"batches"`
}

// Service fires and tracks webhook deliveries.
type Service struct {
	store      *store.Store
	httpClient *http.Client
	logger     *logharbour.Logger

	mu        sync.Mutex
	remaining map[uuid.UUID]int
}

func New(st *store.Store, log *logharbour.Logger) *Service {
	return &Service{
		store:      st,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log,
		remaining:  make(map[uuid.UUID]int),
	}
}

// NotifyExperiment fires one delivery goroutine per declared URL for the
// given batch id/state set. Batches with zero declared URLs are skipped
// entirely and notificationsSent is left untouched, matching the "no
// notification URL configured" end-to-end scenario in spec.md §8.
func (s *Service) NotifyExperiment(ctx context.Context, experimentID uuid.UUID, urls []string, states map[uuid.UUID]string) {
	if len(urls) == 0 || len(states) == 0 {
		return
	}

	sortedIDs := make([]uuid.UUID, 0, len(states))
	for id := range states {
		sortedIDs = append(sortedIDs, id)
	}
	sort.Slice(sortedIDs, func(i, j int) bool { return sortedIDs[i].String() < sortedIDs[j].String() })

	payload := webhookPayload{ExperimentID: experimentID}
	for _, id := range sortedIDs {
		payload.Batches = append(payload.Batches, BatchState{BatchID: id, State: states[id]})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	for _, id := range sortedIDs {
		s.remaining[id] = len(urls)
	}
	s.mu.Unlock()

	for _, url := range urls {
		go s.deliver(ctx, url, body, sortedIDs)
	}
}

func (s *Service) deliver(ctx context.Context, url string, body []byte, batchIDs []uuid.UUID) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	retrying := backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx)

	op := func() error { return s.post(ctx, url, body) }
	if err := backoff.Retry(op, retrying); err != nil && s.logger != nil {
		s.logger.Warn().LogActivity("webhook delivery exhausted retries", map[string]any{
			"url": url, "error": err.Error(),
		})
	}

	s.completeURL(ctx, batchIDs)
}

func (s *Service) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("webhook %s rejected with status %d", url, resp.StatusCode))
	}
	return nil
}

func (s *Service) completeURL(ctx context.Context, batchIDs []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range batchIDs {
		s.remaining[id]--
		if s.remaining[id] <= 0 {
			delete(s.remaining, id)
			if err := s.store.SetBatchNotificationsSent(ctx, id, true); err != nil && s.logger != nil {
				s.logger.Error(err).LogActivity("marking notificationsSent failed", map[string]any{
					"batchId": id.String(),
				})
			}
		}
	}
}
