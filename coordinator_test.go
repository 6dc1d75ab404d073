package screenagent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubJournal struct {
	mu         sync.Mutex
	reports    []DeviceRecord
	dispatches []string
	err        error
}

func (j *stubJournal) RecordReport(ctx context.Context, rec DeviceRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.reports = append(j.reports, rec)
	return nil
}

func (j *stubJournal) RecordDispatch(ctx context.Context, deviceID string, task Task, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.dispatches = append(j.dispatches, deviceID+"/"+task.ID)
	return nil
}

func newTestCoordinator(t *testing.T, fleet []string, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(NewRegistry(fleet), NewTaskQueue(), cfg)
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	return coord
}

func TestCoordinatorDispatchesFIFOAcrossDevices(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, []string{"screen-a", "screen-b"}, CoordinatorConfig{})

	coord.Enqueue(Task{ID: "T1"})
	coord.Enqueue(Task{ID: "T2"})
	coord.Enqueue(Task{ID: "T3"})

	first, err := coord.RequestTask(ctx, "screen-a")
	if err != nil {
		t.Fatalf("RequestTask screen-a: %v", err)
	}
	if first.Status != DispatchAssigned || first.Task.ID != "T1" {
		t.Fatalf("expected T1 for first request, got %+v", first)
	}

	second, err := coord.RequestTask(ctx, "screen-b")
	if err != nil {
		t.Fatalf("RequestTask screen-b: %v", err)
	}
	if second.Status != DispatchAssigned || second.Task.ID != "T2" {
		t.Fatalf("expected T2 for second request, got %+v", second)
	}

	third, err := coord.RequestTask(ctx, "screen-a")
	if err != nil {
		t.Fatalf("RequestTask screen-a again: %v", err)
	}
	if third.Status != DispatchAssigned || third.Task.ID != "T3" {
		t.Fatalf("expected T3 for third request, got %+v", third)
	}

	drained, err := coord.RequestTask(ctx, "screen-b")
	if err != nil {
		t.Fatalf("RequestTask on drained queue: %v", err)
	}
	if drained.Status != DispatchNoTask {
		t.Fatalf("expected DispatchNoTask after drain, got %+v", drained)
	}
}

func TestCoordinatorBusyDeviceIsRefused(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, []string{"hospital-screen-5"}, CoordinatorConfig{})
	coord.Enqueue(Task{ID: "T1"})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "hospital-screen-5", Busy: true, MemoryMB: 120}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}

	result, err := coord.RequestTask(ctx, "hospital-screen-5")
	if err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	if result.Status != DispatchIneligible || result.Reason != ReasonBusy {
		t.Fatalf("expected busy refusal, got %+v", result)
	}
	if coord.QueueDepth() != 1 {
		t.Fatalf("refusal must not consume the queue, depth=%d", coord.QueueDepth())
	}
}

func TestCoordinatorOverMemoryDeviceIsRefused(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, []string{"hospital-screen-5"}, CoordinatorConfig{})
	coord.Enqueue(Task{ID: "T1"})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "hospital-screen-5", Busy: false, MemoryMB: 360}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}

	result, err := coord.RequestTask(ctx, "hospital-screen-5")
	if err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	if result.Status != DispatchIneligible || result.Reason != ReasonOverMemory {
		t.Fatalf("expected overMemory refusal, got %+v", result)
	}
	if coord.QueueDepth() != 1 {
		t.Fatalf("refusal must not consume the queue, depth=%d", coord.QueueDepth())
	}
}

func TestCoordinatorBusyOutranksOverMemory(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{})
	coord.Enqueue(Task{ID: "T1"})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: true, MemoryMB: 900}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	result, err := coord.RequestTask(ctx, "screen-1")
	if err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	if result.Reason != ReasonBusy {
		t.Fatalf("busy device should be reported busy even when over memory, got %q", result.Reason)
	}
}

func TestCoordinatorMemoryCeilingIsInclusive(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{})
	coord.Enqueue(Task{ID: "T1"})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: false, MemoryMB: DefaultMemoryCeilingMB}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	result, err := coord.RequestTask(ctx, "screen-1")
	if err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	if result.Status != DispatchAssigned {
		t.Fatalf("device at exactly the ceiling should be eligible, got %+v", result)
	}
}

func TestCoordinatorRejectsUnknownAndMissingDevice(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{})

	if _, err := coord.RequestTask(ctx, "ghost-screen"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if _, err := coord.RequestTask(ctx, "   "); !errors.Is(err, ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "ghost-screen", Busy: false, MemoryMB: 10}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice on report, got %v", err)
	}
}

func TestCoordinatorEnqueueAssignsTaskID(t *testing.T) {
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{})

	created := coord.Enqueue(Task{Content: "lobby welcome"})
	if strings.TrimSpace(created.ID) == "" {
		t.Fatal("enqueue should assign an identifier when none is supplied")
	}

	kept := coord.Enqueue(Task{ID: "task-fixed", Content: "fixed"})
	if kept.ID != "task-fixed" {
		t.Fatalf("provided identifier should be preserved, got %s", kept.ID)
	}
	if coord.QueueDepth() != 2 {
		t.Fatalf("expected backlog of 2, got %d", coord.QueueDepth())
	}
}

func TestCoordinatorJournalsReportsAndDispatches(t *testing.T) {
	ctx := context.Background()
	journal := &stubJournal{}
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{Journal: journal})
	coord.Enqueue(Task{ID: "T1"})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: false, MemoryMB: 80}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	result, err := coord.RequestTask(ctx, "screen-1")
	if err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	if result.Status != DispatchAssigned {
		t.Fatalf("expected assignment, got %+v", result)
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.reports) != 1 || journal.reports[0].DeviceID != "screen-1" {
		t.Fatalf("report not journaled: %+v", journal.reports)
	}
	if len(journal.dispatches) != 1 || journal.dispatches[0] != "screen-1/T1" {
		t.Fatalf("dispatch not journaled: %+v", journal.dispatches)
	}
}

func TestCoordinatorJournalFailureDoesNotBlockDispatch(t *testing.T) {
	ctx := context.Background()
	journal := &stubJournal{err: errors.New("disk full")}
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{Journal: journal})
	coord.Enqueue(Task{ID: "T1"})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: false, MemoryMB: 80}); err != nil {
		t.Fatalf("report should survive journal failure: %v", err)
	}
	result, err := coord.RequestTask(ctx, "screen-1")
	if err != nil {
		t.Fatalf("dispatch should survive journal failure: %v", err)
	}
	if result.Status != DispatchAssigned || result.Task.ID != "T1" {
		t.Fatalf("expected assignment despite journal failure, got %+v", result)
	}
}

func TestCoordinatorMirrorsAcceptedReportsToBoard(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{}
	coord := newTestCoordinator(t, []string{"screen-1", "screen-2"}, CoordinatorConfig{Recorder: recorder})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: true, MemoryMB: 120}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}
	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-2", Busy: false, MemoryMB: 80}); err != nil {
		t.Fatalf("ReportStatus failed: %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.batches) != 2 {
		t.Fatalf("expected one board upsert per accepted report, got %d", len(recorder.batches))
	}
	busyRow := recorder.batches[0]
	if len(busyRow) != 1 || busyRow[0].DeviceID != "screen-1" || busyRow[0].Status != FleetStatusBusy {
		t.Fatalf("unexpected board row for busy report: %+v", busyRow)
	}
	if busyRow[0].MemoryMB != 120 || busyRow[0].LastReportedAt.IsZero() {
		t.Fatalf("board row missing report fields: %+v", busyRow[0])
	}
	idleRow := recorder.batches[1]
	if len(idleRow) != 1 || idleRow[0].DeviceID != "screen-2" || idleRow[0].Status != FleetStatusIdle {
		t.Fatalf("unexpected board row for idle report: %+v", idleRow)
	}
}

func TestCoordinatorRejectedReportsNeverReachBoard(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{}
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{Recorder: recorder})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "ghost-screen", Busy: false, MemoryMB: 10}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: false, MemoryMB: -1}); !errors.Is(err, ErrMalformedReport) {
		t.Fatalf("expected ErrMalformedReport, got %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.batches) != 0 {
		t.Fatalf("rejected reports must not be mirrored, got %d upserts", len(recorder.batches))
	}
}

func TestCoordinatorRecorderFailureDoesNotFailReport(t *testing.T) {
	ctx := context.Background()
	recorder := &captureRecorder{err: errors.New("board offline")}
	coord := newTestCoordinator(t, []string{"screen-1"}, CoordinatorConfig{Recorder: recorder})

	if err := coord.ReportStatus(ctx, StatusReport{DeviceID: "screen-1", Busy: false, MemoryMB: 80}); err != nil {
		t.Fatalf("report should survive a failing board: %v", err)
	}
	rec, ok := coord.registry.Record("screen-1")
	if !ok || rec.MemoryMB != 80 {
		t.Fatalf("report not applied despite failing board: %+v", rec)
	}
}

func TestCoordinatorConcurrentPollersGetDistinctTasks(t *testing.T) {
	ctx := context.Background()
	fleet := []string{"screen-1", "screen-2", "screen-3", "screen-4"}
	coord := newTestCoordinator(t, fleet, CoordinatorConfig{})

	const total = 40
	for i := 0; i < total; i++ {
		coord.Enqueue(Task{})
	}

	var mu sync.Mutex
	seen := make(map[string]int, total)
	var wg sync.WaitGroup
	for _, id := range fleet {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			for {
				result, err := coord.RequestTask(ctx, deviceID)
				if err != nil {
					t.Errorf("RequestTask %s: %v", deviceID, err)
					return
				}
				if result.Status != DispatchAssigned {
					return
				}
				mu.Lock()
				seen[result.Task.ID]++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct tasks dispatched, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("task %s dispatched %d times", id, count)
		}
	}
}
