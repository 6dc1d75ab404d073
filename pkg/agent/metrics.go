package agent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics 汇总设备侧各循环的运行计数，随每日重置一起落日志。
// Counters only ever grow; the peak memory gauge ratchets upward between
// resets so a brief overnight spike is still visible the next morning.
type Metrics struct {
	mu        sync.Mutex
	startedAt time.Time

	reportsSent         int64
	reportsFailed       int64
	tasksPresented      int64
	presentFailures     int64
	resetsRun           int64
	reinitsScheduled    int64
	backgroundFallbacks int64
	fatalFaults         int64
	unknownFaults       int64
	peakMemoryMB        int
}

// NewMetrics returns zeroed counters stamped with the process start.
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) ReportSent() {
	m.mu.Lock()
	m.reportsSent++
	m.mu.Unlock()
}

func (m *Metrics) ReportFailed() {
	m.mu.Lock()
	m.reportsFailed++
	m.mu.Unlock()
}

func (m *Metrics) TaskPresented() {
	m.mu.Lock()
	m.tasksPresented++
	m.mu.Unlock()
}

func (m *Metrics) PresentFailed() {
	m.mu.Lock()
	m.presentFailures++
	m.mu.Unlock()
}

func (m *Metrics) ResetRun() {
	m.mu.Lock()
	m.resetsRun++
	m.mu.Unlock()
}

func (m *Metrics) ReinitScheduled() {
	m.mu.Lock()
	m.reinitsScheduled++
	m.mu.Unlock()
}

func (m *Metrics) BackgroundFallback() {
	m.mu.Lock()
	m.backgroundFallbacks++
	m.mu.Unlock()
}

func (m *Metrics) FatalFault() {
	m.mu.Lock()
	m.fatalFaults++
	m.mu.Unlock()
}

func (m *Metrics) UnknownFault() {
	m.mu.Lock()
	m.unknownFaults++
	m.mu.Unlock()
}

// ObserveMemoryMB ratchets the peak memory gauge.
func (m *Metrics) ObserveMemoryMB(mb int) {
	m.mu.Lock()
	if mb > m.peakMemoryMB {
		m.peakMemoryMB = mb
	}
	m.mu.Unlock()
}

// PeakMemoryMB returns the highest footprint observed since the last gauge reset.
func (m *Metrics) PeakMemoryMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakMemoryMB
}

// ResetPeakMemory clears the gauge; the daily reset calls this after logging.
func (m *Metrics) ResetPeakMemory() {
	m.mu.Lock()
	m.peakMemoryMB = 0
	m.mu.Unlock()
}

// ReportFailures returns how many status reports have failed since start.
func (m *Metrics) ReportFailures() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportsFailed
}

// LogSummary emits the current counters at info level.
func (m *Metrics) LogSummary(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Info().
		Dur("uptime", time.Since(m.startedAt)).
		Int64("reportsSent", m.reportsSent).
		Int64("reportsFailed", m.reportsFailed).
		Int64("tasksPresented", m.tasksPresented).
		Int64("presentFailures", m.presentFailures).
		Int64("resetsRun", m.resetsRun).
		Int64("reinitsScheduled", m.reinitsScheduled).
		Int64("backgroundFallbacks", m.backgroundFallbacks).
		Int64("fatalFaults", m.fatalFaults).
		Int64("unknownFaults", m.unknownFaults).
		Int("peakMemoryMB", m.peakMemoryMB).
		Msg(msg)
}
