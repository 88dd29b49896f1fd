package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/ccagency/agency/internal/store/agencysqlc"
)

// phaseNotify groups terminal, not-yet-notified batches by experiment and
// hands each group to the notifier, per spec.md §4.7 Phase N / §4.8.
func (s *Scheduler) phaseNotify(ctx context.Context) error {
	batches, err := s.store.ListBatchesPendingNotification(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	byExperiment := map[uuid.UUID]map[uuid.UUID]string{}
	for _, b := range batches {
		states, ok := byExperiment[b.ExperimentID]
		if !ok {
			states = map[uuid.UUID]string{}
			byExperiment[b.ExperimentID] = states
		}
		states[b.ID] = string(b.State)
	}

	for expID, states := range byExperiment {
		exp, err := s.store.GetExperiment(ctx, expID)
		if err != nil {
			s.logError(err, "loading experiment for notification failed", map[string]any{"experimentId": expID.String()})
			continue
		}
		urls := notificationURLs(exp)
		if len(urls) == 0 {
			continue
		}
		s.notifier.NotifyExperiment(ctx, expID, urls, states)
	}
	return nil
}

func notificationURLs(exp *agencysqlc.Experiment) []string {
	return exp.Notifications
}
