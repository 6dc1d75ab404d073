package agent

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	screenagent "github.com/screenfleet/ScreenAgent"
	"github.com/screenfleet/ScreenAgent/pkg/alert"
	"github.com/screenfleet/ScreenAgent/pkg/avatarsdk"
)

// faultAction is one branch of the recovery policy.
type faultAction int

const (
	faultActionFatal faultAction = iota
	faultActionReinit
	faultActionDefaultBackground
)

// faultPolicy is the closed recovery mapping. Codes outside it are logged and
// ignored, never fatal, so a renderer upgrade that introduces new codes
// cannot strand a fleet overnight. Adding a policy is a data change here.
var faultPolicy = map[avatarsdk.FaultCode]faultAction{
	avatarsdk.FaultContainerMissing: faultActionFatal,
	avatarsdk.FaultSocketClosed:     faultActionReinit,
	avatarsdk.FaultBackgroundLoad:   faultActionDefaultBackground,
}

// ParseWallClock parses a 24-hour "HH:MM" wall-clock time.
func ParseWallClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("wall clock %q must be HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.Errorf("wall clock %q has an invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("wall clock %q has an invalid minute", s)
	}
	return hour, minute, nil
}

// nextResetAfter returns the next occurrence of hour:minute strictly after
// now, in now's location. A now already past today's target, or exactly on
// it, rolls to tomorrow.
func nextResetAfter(now time.Time, hour, minute int) time.Time {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

// LifecycleConfig wires the resource lifecycle manager.
type LifecycleConfig struct {
	DeviceID  string
	SDK       avatarsdk.SDK
	SDKConfig avatarsdk.Config
	Cache     *Cache
	Alerter   alert.Alerter
	// ResetTime is the daily hard-reset wall-clock time, "HH:MM" local.
	// Empty means 02:00.
	ResetTime string
	// ReinitDelay is how long after a transport fault the single
	// reinitialization attempt is scheduled. Zero means 5 seconds.
	ReinitDelay time.Duration
	Metrics     *Metrics

	// Clock and AfterFunc are timing seams for tests.
	Clock     func() time.Time
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

// Lifecycle 负责设备渲染资源的生命周期：每日定时硬重置 + 错误码驱动的恢复。
// The two mechanisms are independent: a pending transport reinit never
// cancels or moves the daily reset, and the daily reset never waits for a
// pending reinit.
type Lifecycle struct {
	deviceID    string
	sdk         avatarsdk.SDK
	sdkConfig   avatarsdk.Config
	cache       *Cache
	alerter     alert.Alerter
	resetHour   int
	resetMinute int
	reinitDelay time.Duration
	metrics     *Metrics
	clock       func() time.Time
	afterFunc   func(time.Duration, func()) *time.Timer

	mu            sync.Mutex
	handle        *avatarsdk.Handle
	resetTimer    *time.Timer
	resetTarget   time.Time
	reinitTimer   *time.Timer
	reinitPending bool
	stopped       bool
}

// NewLifecycle validates the wiring and applies defaults.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.SDK == nil {
		return nil, errors.New("lifecycle sdk cannot be nil")
	}
	resetTime := strings.TrimSpace(cfg.ResetTime)
	if resetTime == "" {
		resetTime = screenagent.DefaultResetTime
	}
	hour, minute, err := ParseWallClock(resetTime)
	if err != nil {
		return nil, errors.Wrap(err, "parse reset time")
	}
	if cfg.ReinitDelay <= 0 {
		cfg.ReinitDelay = screenagent.DefaultReinitDelay
	}
	if cfg.Cache == nil {
		cache, err := NewCache("")
		if err != nil {
			return nil, err
		}
		cfg.Cache = cache
	}
	if cfg.Alerter == nil {
		cfg.Alerter = alert.LogAlerter{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = time.AfterFunc
	}
	return &Lifecycle{
		deviceID:    strings.TrimSpace(cfg.DeviceID),
		sdk:         cfg.SDK,
		sdkConfig:   cfg.SDKConfig,
		cache:       cfg.Cache,
		alerter:     cfg.Alerter,
		resetHour:   hour,
		resetMinute: minute,
		reinitDelay: cfg.ReinitDelay,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		afterFunc:   cfg.AfterFunc,
	}, nil
}

// Run brings the renderer up, arms the daily reset, and consumes fault codes
// until ctx is canceled.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.Reload(ctx); err != nil {
		// The device stays up: reports keep flowing and the daily reset
		// retries initialization unconditionally.
		log.Error().Err(err).Str("device", l.deviceID).Msg("initial renderer load failed")
	}
	l.armResetTimer(ctx)
	defer l.shutdown()

	faults := l.sdk.Faults()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("device", l.deviceID).Msg("lifecycle manager stopped")
			return ctx.Err()
		case fault, ok := <-faults:
			if !ok {
				return errors.New("renderer fault channel closed")
			}
			l.HandleFault(ctx, fault)
		}
	}
}

// Handle returns the current renderer instance, nil when none is live.
func (l *Lifecycle) Handle() *avatarsdk.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// ResetTarget returns the wall-clock instant the next daily reset fires at.
func (l *Lifecycle) ResetTarget() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetTarget
}

// ReinitPending reports whether a transport-fault reinit is scheduled.
func (l *Lifecycle) ReinitPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reinitPending
}

// Reload (re)initializes the renderer and publishes the new handle.
func (l *Lifecycle) Reload(ctx context.Context) error {
	handle, err := l.sdk.Initialize(ctx, l.sdkConfig)
	if err != nil {
		return errors.Wrap(err, "initialize renderer")
	}
	l.mu.Lock()
	l.handle = handle
	l.mu.Unlock()
	log.Info().Str("device", l.deviceID).Str("instance", handle.ID()).Msg("renderer loaded")
	return nil
}

// ResetNow runs one full reset cycle: destroy the current instance if any,
// clear the local caches, then reload. Reload always runs, whatever happened
// to the two steps before it; it is the guaranteed fallback that leaves the
// device in a known-good state.
func (l *Lifecycle) ResetNow(ctx context.Context) {
	l.metrics.ResetRun()
	l.metrics.LogSummary("daily reset starting")

	l.mu.Lock()
	handle := l.handle
	l.handle = nil
	l.mu.Unlock()

	if err := l.sdk.Destroy(ctx, handle); err != nil {
		log.Error().Err(err).Str("device", l.deviceID).Msg("renderer destroy failed, continuing reset")
	}
	if err := l.cache.Clear(); err != nil {
		log.Error().Err(err).Str("device", l.deviceID).Msg("cache clear failed, continuing reset")
	}
	if err := l.Reload(ctx); err != nil {
		log.Error().Err(err).Str("device", l.deviceID).Msg("renderer reload failed")
	}
	l.metrics.ResetPeakMemory()
}

// HandleFault applies the recovery policy for one renderer fault.
func (l *Lifecycle) HandleFault(ctx context.Context, fault avatarsdk.Fault) {
	action, known := faultPolicy[fault.Code]
	if !known {
		l.metrics.UnknownFault()
		log.Warn().
			Str("device", l.deviceID).
			Int("code", int(fault.Code)).
			Str("detail", fault.Detail).
			Msg("unrecognized renderer fault ignored")
		return
	}
	switch action {
	case faultActionFatal:
		l.metrics.FatalFault()
		log.Error().
			Str("device", l.deviceID).
			Stringer("code", fault.Code).
			Str("detail", fault.Detail).
			Msg("unrecoverable renderer fault")
		a := alert.Alert{
			DeviceID: l.deviceID,
			Severity: alert.SeverityFatal,
			Code:     fault.Code.String(),
			Message:  fault.Detail,
			At:       fault.At,
		}
		if err := l.alerter.Alert(ctx, a); err != nil {
			log.Error().Err(err).Str("device", l.deviceID).Msg("fatal alert delivery failed")
		}
	case faultActionReinit:
		l.scheduleReinit(ctx, fault)
	case faultActionDefaultBackground:
		l.metrics.BackgroundFallback()
		log.Warn().
			Str("device", l.deviceID).
			Str("detail", fault.Detail).
			Msg("background asset failed, switching to default background")
		if err := l.sdk.SetDefaultBackground(ctx, l.Handle()); err != nil {
			log.Error().Err(err).Str("device", l.deviceID).Msg("default background switch failed")
		}
	}
}

// scheduleReinit arms the single delayed reinitialization attempt for a
// transport fault. A second transport fault while one is pending is noted
// and dropped; the daily reset timer is left untouched either way.
func (l *Lifecycle) scheduleReinit(ctx context.Context, fault avatarsdk.Fault) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	if l.reinitPending {
		l.mu.Unlock()
		log.Debug().Str("device", l.deviceID).Msg("reinit already pending, transport fault dropped")
		return
	}
	l.reinitPending = true
	delay := l.reinitDelay
	l.reinitTimer = l.afterFunc(delay, func() {
		l.mu.Lock()
		l.reinitPending = false
		l.reinitTimer = nil
		stopped := l.stopped
		l.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		if err := l.reinit(ctx); err != nil {
			log.Error().Err(err).Str("device", l.deviceID).Msg("renderer reinit failed")
		}
	})
	l.mu.Unlock()

	l.metrics.ReinitScheduled()
	log.Warn().
		Str("device", l.deviceID).
		Str("detail", fault.Detail).
		Dur("delay", delay).
		Msg("renderer transport lost, reinit scheduled")
}

// reinit tears down whatever instance is left and loads a fresh one.
func (l *Lifecycle) reinit(ctx context.Context) error {
	l.mu.Lock()
	handle := l.handle
	l.handle = nil
	l.mu.Unlock()

	if err := l.sdk.Destroy(ctx, handle); err != nil {
		log.Error().Err(err).Str("device", l.deviceID).Msg("renderer destroy failed, continuing reinit")
	}
	return l.Reload(ctx)
}

// armResetTimer computes the next reset instant and schedules the cycle.
// The callback reschedules itself, so the mechanism is perpetual.
func (l *Lifecycle) armResetTimer(ctx context.Context) {
	now := l.clock()
	target := nextResetAfter(now, l.resetHour, l.resetMinute)

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.resetTarget = target
	l.resetTimer = l.afterFunc(target.Sub(now), func() {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		l.ResetNow(ctx)
		l.armResetTimer(ctx)
	})
	l.mu.Unlock()

	log.Info().
		Str("device", l.deviceID).
		Time("target", target).
		Msg("daily reset scheduled")
}

// shutdown stops both timers and blocks any late callbacks.
func (l *Lifecycle) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.resetTimer != nil {
		l.resetTimer.Stop()
		l.resetTimer = nil
	}
	if l.reinitTimer != nil {
		l.reinitTimer.Stop()
		l.reinitTimer = nil
	}
	l.reinitPending = false
}
