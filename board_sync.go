package screenagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultBoardSyncInterval = time.Minute

// EnvFleetSyncInterval overrides how often the fleet board mirror is refreshed.
const EnvFleetSyncInterval = "FLEET_SYNC_INTERVAL"

// BoardSync periodically pushes a registry snapshot to the fleet board.
// Mirroring is decoupled from the report path on purpose: a slow or failing
// board must never slow down device reports.
type BoardSync struct {
	coordinator *Coordinator
	recorder    FleetRecorder
	interval    time.Duration
}

// NewBoardSync wires a sync worker over the coordinator and recorder.
func NewBoardSync(coordinator *Coordinator, recorder FleetRecorder, interval time.Duration) (*BoardSync, error) {
	if coordinator == nil {
		return nil, errors.New("board sync: coordinator cannot be nil")
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if interval <= 0 {
		interval = defaultBoardSyncInterval
	}
	return &BoardSync{
		coordinator: coordinator,
		recorder:    recorder,
		interval:    interval,
	}, nil
}

// Run pushes one snapshot immediately, then keeps syncing on the configured
// interval until ctx is canceled.
func (s *BoardSync) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("board sync is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log.Info().
		Dur("interval", s.interval).
		Msg("fleet board sync started")

	if err := s.SyncOnce(ctx); err != nil {
		log.Error().Err(err).Msg("fleet board sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("fleet board sync stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				log.Error().Err(err).Msg("fleet board sync failed")
			}
		}
	}
}

// SyncOnce mirrors the current registry snapshot to the board.
func (s *BoardSync) SyncOnce(ctx context.Context) error {
	records := s.coordinator.Snapshot()
	if len(records) == 0 {
		return nil
	}
	updates := FleetStatusUpdates(records, s.coordinator.MemoryCeilingMB())
	return s.recorder.UpsertDevices(ctx, updates)
}
