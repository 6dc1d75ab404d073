package screenagent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// staleWarnThreshold flags devices whose last report is old enough that their
// recorded eligibility may be fiction. There is no expiry sweep: a silent
// device keeps its last-known record, and staleness is surfaced through logs
// and the /devices snapshot only.
const staleWarnThreshold = 5 * time.Minute

// CoordinatorConfig controls dispatch behavior.
type CoordinatorConfig struct {
	// MemoryCeilingMB is the dispatch eligibility ceiling; devices reporting
	// above it are excluded until they report a drop. Defaults to 350.
	MemoryCeilingMB int
	// Journal receives accepted reports and dispatches; nil disables journaling.
	Journal DispatchJournal
	// Recorder receives each accepted report as a fleet board row; nil
	// disables the per-report mirror. The periodic BoardSync covers full
	// snapshots either way.
	Recorder FleetRecorder
}

// Coordinator 负责设备状态上报与取任务两条链路：校验请求、查注册表、
// 判定可调度性，并从队列原子弹出任务。
// It is purely reactive: work is never pushed, devices poll when idle.
type Coordinator struct {
	registry *Registry
	queue    *TaskQueue
	ceiling  int
	journal  DispatchJournal
	recorder FleetRecorder
	clock    func() time.Time
}

// NewCoordinator wires a coordinator over the provisioned registry and queue.
func NewCoordinator(registry *Registry, queue *TaskQueue, cfg CoordinatorConfig) (*Coordinator, error) {
	if registry == nil {
		return nil, errors.New("coordinator: registry cannot be nil")
	}
	if queue == nil {
		return nil, errors.New("coordinator: queue cannot be nil")
	}
	if cfg.MemoryCeilingMB <= 0 {
		cfg.MemoryCeilingMB = DefaultMemoryCeilingMB
	}
	return &Coordinator{
		registry: registry,
		queue:    queue,
		ceiling:  cfg.MemoryCeilingMB,
		journal:  cfg.Journal,
		recorder: cfg.Recorder,
	}, nil
}

// ReportStatus validates and applies a device health report. Rejections leave
// the registry untouched; journaling and board mirroring are best-effort and
// never fail a report.
func (c *Coordinator) ReportStatus(ctx context.Context, rep StatusReport) error {
	if err := c.registry.ReportStatus(rep.DeviceID, rep.Busy, rep.MemoryMB); err != nil {
		return err
	}
	rec, _ := c.registry.Record(rep.DeviceID)
	if c.journal != nil {
		if err := c.journal.RecordReport(ctx, rec); err != nil {
			log.Error().Err(err).Str("device_id", rec.DeviceID).Msg("journal report failed")
		}
	}
	if c.recorder != nil {
		if err := c.recorder.UpsertDevices(ctx, FleetStatusUpdates([]DeviceRecord{rec}, c.ceiling)); err != nil {
			log.Error().Err(err).Str("device_id", rec.DeviceID).Msg("fleet board upsert failed")
		}
	}
	log.Debug().
		Str("device_id", rec.DeviceID).
		Bool("busy", rec.Busy).
		Int("memory_mb", rec.MemoryMB).
		Msg("status report accepted")
	return nil
}

// RequestTask decides eligibility for the device and pops the queue head when
// dispatchable. The returned error is limited to caller mistakes
// (ErrMissingDeviceID, ErrUnknownDevice); busy and empty-queue outcomes are
// carried in the DispatchResult.
func (c *Coordinator) RequestTask(ctx context.Context, deviceID string) (DispatchResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return DispatchResult{}, ErrMissingDeviceID
	}
	rec, ok := c.registry.Record(deviceID)
	if !ok {
		return DispatchResult{}, errors.Wrapf(ErrUnknownDevice, "device %s", deviceID)
	}
	if rec.Busy {
		return DispatchResult{Status: DispatchIneligible, Reason: ReasonBusy}, nil
	}
	if rec.MemoryMB > c.ceiling {
		log.Info().
			Str("device_id", deviceID).
			Int("memory_mb", rec.MemoryMB).
			Int("ceiling_mb", c.ceiling).
			Msg("device over memory ceiling, excluded from dispatch")
		return DispatchResult{Status: DispatchIneligible, Reason: ReasonOverMemory}, nil
	}
	if age := c.reportAge(rec); age > staleWarnThreshold {
		log.Warn().
			Str("device_id", deviceID).
			Dur("report_age", age).
			Msg("dispatching on a stale record, device may be gone")
	}
	task, ok := c.queue.DispatchNext()
	if !ok {
		return DispatchResult{Status: DispatchNoTask}, nil
	}
	now := c.now()
	if c.journal != nil {
		if err := c.journal.RecordDispatch(ctx, deviceID, task, now); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("journal dispatch failed")
		}
	}
	log.Info().
		Str("device_id", deviceID).
		Str("task_id", task.ID).
		Int("queue_depth", c.queue.Len()).
		Msg("task dispatched")
	return DispatchResult{Status: DispatchAssigned, Task: &task}, nil
}

// Enqueue assigns an identifier when the producer supplied none and appends
// the task to the backlog tail.
func (c *Coordinator) Enqueue(task Task) Task {
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	c.queue.Enqueue(task)
	log.Info().
		Str("task_id", task.ID).
		Int("queue_depth", c.queue.Len()).
		Msg("task enqueued")
	return task
}

// Snapshot exposes the registry state for the operator surface.
func (c *Coordinator) Snapshot() []DeviceRecord {
	return c.registry.Snapshot()
}

// QueueDepth reports the current backlog size.
func (c *Coordinator) QueueDepth() int {
	return c.queue.Len()
}

// MemoryCeilingMB returns the configured dispatch ceiling.
func (c *Coordinator) MemoryCeilingMB() int {
	return c.ceiling
}

func (c *Coordinator) reportAge(rec DeviceRecord) time.Duration {
	if rec.LastReportedAt.IsZero() {
		return 0
	}
	return c.now().Sub(rec.LastReportedAt)
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}
