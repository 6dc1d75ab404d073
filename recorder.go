package screenagent

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/screenfleet/ScreenAgent/internal/env"
	"github.com/screenfleet/ScreenAgent/internal/feishusdk"
)

// feishuFleetRecorder mirrors device status rows to a Feishu bitable so
// operators can watch the fleet board without querying the coordinator.
type feishuFleetRecorder struct {
	client      *feishusdk.Client
	boardURL    string
	boardFields feishusdk.FleetFields
	clock       func() time.Time
}

// NewFleetRecorderFromEnv builds a FleetRecorder using environment variables.
//
// Environment:
//   - FLEET_BITABLE_URL: target table for device status rows; when empty,
//     a no-op recorder is returned and mirroring is disabled.
func NewFleetRecorderFromEnv() (FleetRecorder, error) {
	boardURL := strings.TrimSpace(env.String(feishusdk.EnvFleetBitableURL, ""))
	if boardURL == "" {
		return noopRecorder{}, nil
	}

	cli, err := feishusdk.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return &feishuFleetRecorder{
		client:      cli,
		boardURL:    boardURL,
		boardFields: feishusdk.FleetFieldsFromEnv(),
	}, nil
}

// UpsertDevices pushes one row per device, keyed by device identifier. Errors
// on individual rows are logged and skipped so one bad row cannot starve the
// rest of the board.
func (r *feishuFleetRecorder) UpsertDevices(ctx context.Context, devices []DeviceStatusUpdate) error {
	if r == nil || r.client == nil || r.boardURL == "" || len(devices) == 0 {
		return nil
	}
	now := r.now()
	for _, d := range devices {
		deviceID := strings.TrimSpace(d.DeviceID)
		if deviceID == "" {
			log.Warn().Str("status", d.Status).Msg("fleet recorder: skip device without id")
			continue
		}
		rec := feishusdk.FleetRecordInput{
			DeviceID: deviceID,
			Busy:     d.Busy,
			MemoryMB: d.MemoryMB,
			Status:   d.Status,
		}
		if !d.LastReportedAt.IsZero() {
			rec.LastReportedAt = &d.LastReportedAt
		} else {
			rec.LastReportedAt = &now
		}

		if err := r.client.UpsertFleetDevice(ctx, r.boardURL, r.boardFields, rec); err != nil {
			log.Error().
				Err(err).
				Str("device_id", deviceID).
				Str("status", d.Status).
				Msg("fleet recorder: upsert device failed")
		}
	}
	return nil
}

func (r *feishuFleetRecorder) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// noopRecorder is the default implementation when mirroring is disabled.
type noopRecorder struct{}

func (noopRecorder) UpsertDevices(ctx context.Context, devices []DeviceStatusUpdate) error {
	return nil
}

// FleetStatusUpdates converts registry records into board rows.
func FleetStatusUpdates(records []DeviceRecord, ceilingMB int) []DeviceStatusUpdate {
	updates := make([]DeviceStatusUpdate, 0, len(records))
	for _, rec := range records {
		updates = append(updates, DeviceStatusUpdate{
			DeviceID:       rec.DeviceID,
			Busy:           rec.Busy,
			MemoryMB:       rec.MemoryMB,
			Status:         deviceStatusLabel(rec, ceilingMB),
			LastReportedAt: rec.LastReportedAt,
		})
	}
	return updates
}
