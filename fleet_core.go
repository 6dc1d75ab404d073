package screenagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Task 表示一条待播报的数字人任务：文案内容 + 配图地址。
// Tasks are immutable once enqueued; ownership transfers to the device on dispatch.
type Task struct {
	ID       string `json:"taskId,omitempty"`
	Content  string `json:"content"`
	ImageRef string `json:"imageRef"`
}

// StatusReport 描述设备上报的健康状态。
type StatusReport struct {
	DeviceID string
	Busy     bool
	MemoryMB int
}

// DeviceRecord 保存单台设备最近一次上报的状态。
// A record exists for every provisioned device before any report is accepted.
type DeviceRecord struct {
	DeviceID       string    `json:"deviceId"`
	Busy           bool      `json:"busy"`
	MemoryMB       int       `json:"memoryMB"`
	LastReportedAt time.Time `json:"lastReportedAt"`
}

// BusyReason distinguishes why an idle-looking device was refused a task.
// Operators need "still rendering" vs "needs a reset" at a glance, so this is
// a two-branch value rather than a generic ineligible flag.
type BusyReason string

const (
	// ReasonBusy means the device reported itself as currently rendering.
	ReasonBusy BusyReason = "busy"
	// ReasonOverMemory means the device exceeded the configured memory ceiling.
	ReasonOverMemory BusyReason = "overMemory"
)

// DispatchStatus 描述一次取任务请求的结果分支。
type DispatchStatus string

const (
	// DispatchAssigned carries a task popped from the queue head.
	DispatchAssigned DispatchStatus = "assigned"
	// DispatchIneligible means the device is registered but not dispatchable.
	DispatchIneligible DispatchStatus = "ineligible"
	// DispatchNoTask means the queue is empty; an expected steady state, not an error.
	DispatchNoTask DispatchStatus = "noTask"
)

// DispatchResult is the outcome of Coordinator.RequestTask for a known device.
type DispatchResult struct {
	Status DispatchStatus
	Reason BusyReason // set when Status == DispatchIneligible
	Task   *Task      // set when Status == DispatchAssigned
}

// Dispatch taxonomy sentinels. Validation failures reject at the boundary
// with no partial mutation of registry or queue state.
var (
	// ErrMissingDeviceID marks a request without a device identifier.
	ErrMissingDeviceID = errors.New("device id is required")
	// ErrUnknownDevice marks an identifier outside the provisioned fleet.
	// Unknown devices are rejected, never auto-created.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrMalformedReport marks a status report with missing or invalid fields.
	ErrMalformedReport = errors.New("malformed status report")
)

// DeviceStatusUpdate 描述需要同步到外部看板（Feishu 多维表格）的设备状态行。
type DeviceStatusUpdate struct {
	DeviceID       string
	Busy           bool
	MemoryMB       int
	Status         string
	LastReportedAt time.Time
}

// FleetRecorder mirrors device status rows to an external store so operators
// can watch the fleet without querying the coordinator. Implementations are
// best-effort; the coordinator never fails a report on recorder errors.
type FleetRecorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceStatusUpdate) error
}

// DispatchJournal persists accepted reports and task handoffs for later
// inspection. Implementations are best-effort (see pkg/storage).
type DispatchJournal interface {
	RecordReport(ctx context.Context, rec DeviceRecord) error
	RecordDispatch(ctx context.Context, deviceID string, task Task, at time.Time) error
}

// deviceStatusLabel maps a record to the status column shown on the fleet board.
func deviceStatusLabel(rec DeviceRecord, ceilingMB int) string {
	switch {
	case rec.Busy:
		return FleetStatusBusy
	case rec.MemoryMB > ceilingMB:
		return FleetStatusOverMemory
	default:
		return FleetStatusIdle
	}
}
