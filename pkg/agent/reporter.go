package agent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	screenagent "github.com/screenfleet/ScreenAgent"
)

// MemoryProbe reads the device's current memory footprint in whole MB.
type MemoryProbe interface {
	MemoryMB(ctx context.Context) (int, error)
}

// ReporterConfig wires the health reporter's collaborators.
type ReporterConfig struct {
	Client *Client
	Probe  MemoryProbe
	// Busy reads the live busy flag at sample time.
	Busy func() bool
	// Interval between reports. Zero means the 30 second default.
	Interval time.Duration
	Metrics  *Metrics
}

// Reporter 周期性上报设备健康状态（忙碌标记 + 内存占用）。
// Every report is independent and fire-and-forget: a failed sample or POST is
// logged and counted, never retried early, and never stops the loop. The next
// scheduled tick is the retry.
type Reporter struct {
	client   *Client
	probe    MemoryProbe
	busy     func() bool
	interval time.Duration
	metrics  *Metrics
}

// NewReporter validates the wiring and applies defaults.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Client == nil {
		return nil, errors.New("reporter client cannot be nil")
	}
	if cfg.Probe == nil {
		return nil, errors.New("reporter memory probe cannot be nil")
	}
	if cfg.Busy == nil {
		cfg.Busy = func() bool { return false }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = screenagent.DefaultReportInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Reporter{
		client:   cfg.Client,
		probe:    cfg.Probe,
		busy:     cfg.Busy,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
	}, nil
}

// Failures returns how many reports have failed since the process started.
func (r *Reporter) Failures() int64 {
	return r.metrics.ReportFailures()
}

// Run reports immediately, then on every tick until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) error {
	log.Info().
		Str("device", r.client.DeviceID()).
		Dur("interval", r.interval).
		Msg("status reporter started")

	if err := r.ProcessOnce(ctx); err != nil {
		log.Error().Err(err).Msg("status report failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("device", r.client.DeviceID()).Msg("status reporter stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.ProcessOnce(ctx); err != nil {
				log.Error().Err(err).Msg("status report failed")
			}
		}
	}
}

// ProcessOnce samples and submits a single report. Failures are counted on
// the metrics before being returned; callers only log them.
func (r *Reporter) ProcessOnce(ctx context.Context) error {
	memoryMB, err := r.probe.MemoryMB(ctx)
	if err != nil {
		r.metrics.ReportFailed()
		return errors.Wrap(err, "sample memory")
	}
	r.metrics.ObserveMemoryMB(memoryMB)

	busy := r.busy()
	if err := r.client.ReportStatus(ctx, busy, memoryMB); err != nil {
		r.metrics.ReportFailed()
		return err
	}
	r.metrics.ReportSent()
	log.Debug().
		Str("device", r.client.DeviceID()).
		Bool("busy", busy).
		Int("memoryMB", memoryMB).
		Msg("status reported")
	return nil
}
