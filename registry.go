package screenagent

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry 维护固定机队中每台设备最近一次上报的健康状态。
// Records are created once at fleet provisioning and mutated only by accepted
// status reports; unknown identifiers are rejected, never auto-created, and
// records are never deleted.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceRecord

	// clock is injectable for tests; defaults to time.Now.
	clock func() time.Time
}

// NewRegistry seeds a registry with one record per provisioned identifier.
// Initial records are idle with zero memory and a zero LastReportedAt.
func NewRegistry(fleet []string) *Registry {
	ids := normalizeFleetDevices(fleet)
	devices := make(map[string]*DeviceRecord, len(ids))
	for _, id := range ids {
		devices[id] = &DeviceRecord{DeviceID: id}
	}
	log.Info().Int("devices", len(devices)).Msg("fleet registry provisioned")
	return &Registry{devices: devices}
}

// ReportStatus overwrites the record for deviceID with the reported busy flag
// and memory usage, stamping LastReportedAt with the current time. Repeated
// identical reports are harmless. The registry is left untouched on rejection.
func (r *Registry) ReportStatus(deviceID string, busy bool, memoryMB int) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	if memoryMB < 0 {
		return ErrMalformedReport
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	rec.Busy = busy
	rec.MemoryMB = memoryMB
	rec.LastReportedAt = r.now()
	return nil
}

// Record returns a copy of the device record, or false for identifiers
// outside the provisioned fleet.
func (r *Registry) Record(deviceID string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every record sorted by device identifier.
func (r *Registry) Snapshot() []DeviceRecord {
	r.mu.Lock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, *rec)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Size returns the provisioned fleet cardinality.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}
