// Package syncer drives one user's sync across all configured
// destinations: coordinate, list, diff, apply, report.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/keeperhq/calkeeper/internal/broadcast"
	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/coordinator"
	"github.com/keeperhq/calkeeper/internal/event"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/provider"
	"github.com/keeperhq/calkeeper/internal/store"
)

// ProviderFactory builds the provider for a destination row.
type ProviderFactory interface {
	ForDestination(ctx context.Context, dest *store.Destination) (provider.Provider, error)
}

// Broadcaster publishes status snapshots. Failures are logged by the
// orchestrator and never fail a sync.
type Broadcaster interface {
	PublishStatus(ctx context.Context, userID string, status *broadcast.SyncStatus) error
}

// Service is the destination sync orchestrator.
type Service struct {
	repo        store.Repository
	factory     ProviderFactory
	coord       *coordinator.Coordinator
	broadcaster Broadcaster
	cfg         config.SyncConfig
	logger      *loggy.Logger
}

func NewService(repo store.Repository, factory ProviderFactory, coord *coordinator.Coordinator, broadcaster Broadcaster, cfg config.SyncConfig, logger *loggy.Logger) *Service {
	if logger == nil {
		logger = loggy.GetGlobalLogger()
	}
	return &Service{
		repo:        repo,
		factory:     factory,
		coord:       coord,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger.With("component", "syncer"),
	}
}

// SyncUser runs one sync pass for a user. A concurrently running sync for
// the same user makes this a silent no-op; that is the expected outcome
// under overlapping triggers, not a failure.
func (s *Service) SyncUser(ctx context.Context, userID string) error {
	logger := s.logger.With("user_id", userID)

	sc, err := s.coord.StartSync(ctx, userID)
	if err != nil {
		// Without coordination no sync can safely proceed.
		return err
	}
	if !sc.Acquired {
		logger.Debug("sync already in progress, skipping")
		return nil
	}
	defer func() {
		if err := s.coord.EndSync(ctx, sc); err != nil {
			logger.Warn("lock release failed, TTL will recover it", "error", err)
		}
	}()

	// Signal liveness while destinations are in flight so a slow sync is
	// not mistaken for an abandoned one.
	refreshDone := make(chan struct{})
	defer close(refreshDone)
	go s.refreshLoop(ctx, sc, refreshDone)

	dests, err := s.repo.GetDestinationsByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(dests) == 0 {
		logger.Debug("no destinations configured")
		return nil
	}

	done := make(chan struct{}, len(dests))
	for _, dest := range dests {
		go func(dest *store.Destination) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("destination sync panicked", "destination_id", dest.ID, "panic", r)
				}
				done <- struct{}{}
			}()
			s.syncDestination(ctx, sc, dest)
		}(dest)
	}
	for range dests {
		<-done
	}
	return nil
}

func (s *Service) refreshLoop(ctx context.Context, sc *coordinator.Context, done <-chan struct{}) {
	interval := s.cfg.LockRefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.coord.RefreshLock(ctx, sc); err != nil {
				s.logger.Warn("lock refresh failed", "user_id", sc.UserID, "error", err)
			}
		}
	}
}

// syncDestination runs list-diff-apply for one destination. Errors stay
// inside this destination; siblings keep running.
func (s *Service) syncDestination(ctx context.Context, sc *coordinator.Context, dest *store.Destination) {
	logger := s.logger.With("user_id", sc.UserID, "destination_id", dest.ID)

	prov, err := s.factory.ForDestination(ctx, dest)
	if err != nil {
		logger.Error("provider construction failed", "error", err)
		return
	}

	status := &broadcast.SyncStatus{
		DestinationID:         dest.ID,
		Status:                broadcast.StatusSyncing,
		Stage:                 broadcast.StageFetching,
		NeedsReauthentication: prov.NeedsReauth(),
		LastSyncedAt:          dest.LastSyncedAt,
	}
	s.emit(ctx, sc.UserID, status)

	sourceIDs, err := s.repo.GetSourceIDs(ctx, dest.ID)
	if err != nil {
		logger.Error("source mapping lookup failed", "error", err)
		return
	}
	local, err := s.repo.GetSyncableEvents(ctx, sc.UserID, sourceIDs)
	if err != nil {
		logger.Error("local event lookup failed", "error", err)
		return
	}
	status.LocalEventCount = len(local)

	remote, err := prov.ListRemoteEvents(ctx, provider.ListOptions{})
	if err != nil {
		if errors.Is(err, provider.ErrNeedsReauth) {
			// Tell the UI re-authentication is required; anything else
			// leaves the stalled syncing status for the next pass to clear.
			status.Status = broadcast.StatusIdle
			status.Stage = ""
			status.NeedsReauthentication = true
			s.emit(ctx, sc.UserID, status)
		}
		logger.Error("remote listing failed", "error", err)
		return
	}
	status.RemoteEventCount = len(remote)

	status.Stage = broadcast.StageComparing
	s.emit(ctx, sc.UserID, status)

	diff := event.ComputeDiff(remote, local)
	total := len(diff.ToAdd) + len(diff.ToRemove)

	status.Stage = broadcast.StageProcessing
	status.Progress = &broadcast.Progress{Current: 0, Total: total}
	s.emit(ctx, sc.UserID, status)

	failures := 0

	if len(diff.ToAdd) > 0 {
		results, err := prov.PushEvents(ctx, diff.ToAdd)
		if err != nil {
			logger.Error("push failed", "error", err)
			failures += len(diff.ToAdd)
		} else {
			for i, res := range results {
				if res.Success {
					status.Progress.Current++
					status.RemoteEventCount++
					status.LastOperation = &broadcast.LastOperation{Type: broadcast.OpAdd, EventTime: diff.ToAdd[i].Start}
				} else {
					failures++
				}
			}
		}
		s.emit(ctx, sc.UserID, status)
	}

	if len(diff.ToRemove) > 0 {
		deleteIDs := make([]string, len(diff.ToRemove))
		for i, re := range diff.ToRemove {
			deleteIDs[i] = re.DeleteID
		}
		results, err := prov.DeleteEvents(ctx, deleteIDs)
		if err != nil {
			logger.Error("delete failed", "error", err)
			failures += len(deleteIDs)
		} else {
			for i, res := range results {
				if res.Success {
					status.Progress.Current++
					status.RemoteEventCount--
					status.LastOperation = &broadcast.LastOperation{Type: broadcast.OpRemove, EventTime: diff.ToRemove[i].Start}
				} else {
					failures++
				}
			}
		}
		s.emit(ctx, sc.UserID, status)
	}

	// A superseded sync must not emit a final status or touch
	// last_synced_at; a newer generation owns those now.
	if !s.coord.IsSyncCurrent(ctx, sc) {
		logger.Info("sync superseded, suppressing final status")
		return
	}

	now := time.Now().UTC()
	if err := s.repo.SetLastSyncedAt(ctx, dest.ID, now); err != nil {
		logger.Warn("failed to record last sync time", "error", err)
	}

	status.Status = broadcast.StatusIdle
	status.Stage = ""
	status.InSync = failures == 0
	status.NeedsReauthentication = prov.NeedsReauth()
	status.LastSyncedAt = &now
	s.emit(ctx, sc.UserID, status)

	logger.Info("destination sync finished",
		"added", len(diff.ToAdd), "removed", len(diff.ToRemove), "failures", failures)
}

// SyncAll runs a sync pass for every user with at least one destination.
// Scheduled entry point; per-user failures are logged and do not stop the
// sweep.
func (s *Service) SyncAll(ctx context.Context) error {
	userIDs, err := s.repo.ListUserIDsWithDestinations(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.SyncUser(ctx, userID); err != nil {
			s.logger.Error("user sync failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, userID string, status *broadcast.SyncStatus) {
	snapshot := *status
	if status.Progress != nil {
		p := *status.Progress
		snapshot.Progress = &p
	}
	if status.LastOperation != nil {
		op := *status.LastOperation
		snapshot.LastOperation = &op
	}
	if err := s.broadcaster.PublishStatus(ctx, userID, &snapshot); err != nil {
		s.logger.Warn("status publish failed", "user_id", userID, "error", err)
	}
}
