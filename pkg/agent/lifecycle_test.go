package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/screenfleet/ScreenAgent/pkg/alert"
	"github.com/screenfleet/ScreenAgent/pkg/avatarsdk"
)

type fakeSDK struct {
	mu          sync.Mutex
	seq         int
	initCalls   int
	initErr     error
	destroyErr  error
	presentErr  error
	destroyed   []*avatarsdk.Handle
	backgrounds []*avatarsdk.Handle
	presented   []avatarsdk.Script
	presentGate chan struct{}
	faults      chan avatarsdk.Fault
}

func newFakeSDK() *fakeSDK {
	return &fakeSDK{faults: make(chan avatarsdk.Fault, 4)}
}

func (f *fakeSDK) Initialize(_ context.Context, cfg avatarsdk.Config) (*avatarsdk.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.seq++
	return avatarsdk.NewHandle(fmt.Sprintf("fake-%d", f.seq), cfg.Scene), nil
}

func (f *fakeSDK) Destroy(_ context.Context, h *avatarsdk.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, h)
	return f.destroyErr
}

func (f *fakeSDK) SetDefaultBackground(_ context.Context, h *avatarsdk.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backgrounds = append(f.backgrounds, h)
	return nil
}

func (f *fakeSDK) Present(_ context.Context, h *avatarsdk.Handle, script avatarsdk.Script) error {
	f.mu.Lock()
	gate := f.presentGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presentErr != nil {
		return f.presentErr
	}
	f.presented = append(f.presented, script)
	return nil
}

func (f *fakeSDK) Faults() <-chan avatarsdk.Fault { return f.faults }

func (f *fakeSDK) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

func (f *fakeSDK) destroyedHandles() []*avatarsdk.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*avatarsdk.Handle(nil), f.destroyed...)
}

func (f *fakeSDK) backgroundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backgrounds)
}

func (f *fakeSDK) presentedScripts() []avatarsdk.Script {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]avatarsdk.Script(nil), f.presented...)
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
}

// fakeTimers records AfterFunc calls instead of scheduling them, so tests
// can inspect exact delays and fire callbacks by hand.
type fakeTimers struct {
	mu    sync.Mutex
	calls []scheduledCall
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.calls = append(f.calls, scheduledCall{delay: d, fn: fn})
	f.mu.Unlock()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTimers) call(i int) scheduledCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (f *fakeAlerter) Alert(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlerter) sent() []alert.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.Alert(nil), f.alerts...)
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestParseWallClock(t *testing.T) {
	valid := []struct {
		in           string
		hour, minute int
	}{
		{"02:00", 2, 0},
		{"23:59", 23, 59},
		{" 09:30 ", 9, 30},
	}
	for _, c := range valid {
		hour, minute, err := ParseWallClock(c.in)
		if err != nil {
			t.Fatalf("ParseWallClock(%q): %v", c.in, err)
		}
		if hour != c.hour || minute != c.minute {
			t.Fatalf("ParseWallClock(%q) = %d:%d, want %d:%d", c.in, hour, minute, c.hour, c.minute)
		}
	}

	for _, in := range []string{"", "2", "24:00", "12:60", "ab:cd", "12:00:00"} {
		if _, _, err := ParseWallClock(in); err == nil {
			t.Fatalf("ParseWallClock(%q) should fail", in)
		}
	}
}

func TestNextResetAfter(t *testing.T) {
	day := func(hour, minute int) time.Time {
		return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
	}

	// Before the target: same-day occurrence.
	if got := nextResetAfter(day(1, 0), 2, 0); !got.Equal(day(2, 0)) {
		t.Fatalf("nextResetAfter(01:00) = %v, want same-day 02:00", got)
	}
	// Past the target: next-day occurrence.
	want := day(2, 0).AddDate(0, 0, 1)
	if got := nextResetAfter(day(3, 0), 2, 0); !got.Equal(want) {
		t.Fatalf("nextResetAfter(03:00) = %v, want next-day 02:00", got)
	}
	// Exactly on the target: strictly after means tomorrow.
	if got := nextResetAfter(day(2, 0), 2, 0); !got.Equal(want) {
		t.Fatalf("nextResetAfter(02:00) = %v, want next-day 02:00", got)
	}
}

func newTestLifecycle(t *testing.T, cfg LifecycleConfig) *Lifecycle {
	t.Helper()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "hospital-screen-5"
	}
	lc, err := NewLifecycle(cfg)
	if err != nil {
		t.Fatalf("NewLifecycle: %v", err)
	}
	return lc
}

func TestArmResetTimerTargetsNextOccurrence(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	now := time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK:       sdk,
		Clock:     func() time.Time { return now },
		AfterFunc: timers.afterFunc,
	})

	lc.armResetTimer(context.Background())

	if timers.count() != 1 {
		t.Fatalf("expected one scheduled reset, got %d", timers.count())
	}
	if got := timers.call(0).delay; got != time.Hour {
		t.Fatalf("reset delay = %v, want 1h (01:00 to 02:00)", got)
	}
	if want := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC); !lc.ResetTarget().Equal(want) {
		t.Fatalf("reset target = %v, want %v", lc.ResetTarget(), want)
	}
}

func TestScheduledResetReschedulesForNextDay(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	now := time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK: sdk,
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		},
		AfterFunc: timers.afterFunc,
	})

	lc.armResetTimer(context.Background())

	// The timer fires at 02:00: the cycle runs and the next day is armed.
	clockMu.Lock()
	now = time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	clockMu.Unlock()
	timers.call(0).fn()

	if sdk.initCount() != 1 {
		t.Fatalf("reset cycle should reload the renderer, initCalls = %d", sdk.initCount())
	}
	if timers.count() != 2 {
		t.Fatalf("expected the reset to rearm itself, got %d scheduled calls", timers.count())
	}
	if got := timers.call(1).delay; got != 24*time.Hour {
		t.Fatalf("rearmed delay = %v, want 24h", got)
	}
	if want := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC); !lc.ResetTarget().Equal(want) {
		t.Fatalf("rearmed target = %v, want %v", lc.ResetTarget(), want)
	}
}

func TestResetNowDestroysClearsThenReloads(t *testing.T) {
	sdk := newFakeSDK()
	cache, err := NewCache("")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	lc := newTestLifecycle(t, LifecycleConfig{SDK: sdk, Cache: cache})
	ctx := context.Background()

	if err := lc.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	first := lc.Handle()
	cache.Put("bg://lobby", "/tmp/bg.png")

	lc.ResetNow(ctx)

	destroyed := sdk.destroyedHandles()
	if len(destroyed) != 1 || destroyed[0] != first {
		t.Fatalf("expected the live instance to be destroyed, got %v", destroyed)
	}
	if cache.Len() != 0 {
		t.Fatalf("cache should be cleared, %d entries left", cache.Len())
	}
	if sdk.initCount() != 2 {
		t.Fatalf("initCalls = %d, want 2 (boot + reset reload)", sdk.initCount())
	}
	if lc.Handle() == nil || lc.Handle() == first {
		t.Fatalf("expected a fresh instance after reset")
	}
}

func TestResetNowReloadsDespiteDestroyFailure(t *testing.T) {
	sdk := newFakeSDK()
	sdk.destroyErr = errors.New("bridge gone")
	lc := newTestLifecycle(t, LifecycleConfig{SDK: sdk})
	ctx := context.Background()

	if err := lc.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	lc.ResetNow(ctx)

	if sdk.initCount() != 2 {
		t.Fatalf("reload must run even when destroy fails, initCalls = %d", sdk.initCount())
	}
	if lc.Handle() == nil {
		t.Fatalf("expected a live instance after reset")
	}
}

func TestResetNowToleratesAbsentInstance(t *testing.T) {
	sdk := newFakeSDK()
	lc := newTestLifecycle(t, LifecycleConfig{SDK: sdk})

	lc.ResetNow(context.Background())

	if sdk.initCount() != 1 {
		t.Fatalf("reset without a live instance should still reload, initCalls = %d", sdk.initCount())
	}
}

func TestTransportFaultSchedulesSingleReinit(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK:       sdk,
		Clock:     func() time.Time { return now },
		AfterFunc: timers.afterFunc,
	})
	ctx := context.Background()

	lc.armResetTimer(ctx)
	targetBefore := lc.ResetTarget()
	scheduledBefore := timers.count()

	lc.HandleFault(ctx, avatarsdk.Fault{Code: avatarsdk.FaultSocketClosed, Detail: "ws closed"})

	if timers.count() != scheduledBefore+1 {
		t.Fatalf("expected exactly one reinit scheduled, got %d new timers", timers.count()-scheduledBefore)
	}
	reinit := timers.call(scheduledBefore)
	if reinit.delay < 5000*time.Millisecond || reinit.delay >= 5100*time.Millisecond {
		t.Fatalf("reinit delay = %v, want within [5000ms, 5100ms)", reinit.delay)
	}
	if !lc.ReinitPending() {
		t.Fatalf("expected a pending reinit")
	}
	if !lc.ResetTarget().Equal(targetBefore) {
		t.Fatalf("daily reset target moved: %v -> %v", targetBefore, lc.ResetTarget())
	}

	// A second transport fault while one reinit is pending is dropped.
	lc.HandleFault(ctx, avatarsdk.Fault{Code: avatarsdk.FaultSocketClosed, Detail: "ws closed again"})
	if timers.count() != scheduledBefore+1 {
		t.Fatalf("second transport fault scheduled another reinit")
	}

	// Firing the reinit reloads the renderer and leaves the reset alone.
	reinit.fn()
	if lc.ReinitPending() {
		t.Fatalf("reinit should no longer be pending after it fires")
	}
	if sdk.initCount() != 1 {
		t.Fatalf("reinit should reload once, initCalls = %d", sdk.initCount())
	}
	if !lc.ResetTarget().Equal(targetBefore) {
		t.Fatalf("reinit changed the daily reset target")
	}
}

func TestContainerMissingFaultIsFatalWithoutRetry(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	alerter := &fakeAlerter{}
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK:       sdk,
		Alerter:   alerter,
		AfterFunc: timers.afterFunc,
	})

	lc.HandleFault(context.Background(), avatarsdk.Fault{
		Code:   avatarsdk.FaultContainerMissing,
		Detail: "#avatar-root not found",
	})

	alerts := alerter.sent()
	if len(alerts) != 1 {
		t.Fatalf("expected one fatal alert, got %d", len(alerts))
	}
	if alerts[0].Code != "containerMissing" || alerts[0].Severity != alert.SeverityFatal {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
	if alerts[0].DeviceID != "hospital-screen-5" {
		t.Fatalf("alert device = %q", alerts[0].DeviceID)
	}
	if timers.count() != 0 {
		t.Fatalf("fatal fault must not schedule retries, got %d timers", timers.count())
	}
	if sdk.initCount() != 0 {
		t.Fatalf("fatal fault must not reinitialize, initCalls = %d", sdk.initCount())
	}
}

func TestBackgroundLoadFaultSwitchesToDefaultBackground(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	alerter := &fakeAlerter{}
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK:       sdk,
		Alerter:   alerter,
		AfterFunc: timers.afterFunc,
	})
	ctx := context.Background()

	if err := lc.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	lc.HandleFault(ctx, avatarsdk.Fault{Code: avatarsdk.FaultBackgroundLoad, Detail: "bg 404"})

	if sdk.backgroundCount() != 1 {
		t.Fatalf("expected one default-background switch, got %d", sdk.backgroundCount())
	}
	if timers.count() != 0 || len(alerter.sent()) != 0 {
		t.Fatalf("background fault should neither alert nor schedule timers")
	}
}

func TestUnrecognizedFaultIsLoggedOnly(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	alerter := &fakeAlerter{}
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK:       sdk,
		Alerter:   alerter,
		AfterFunc: timers.afterFunc,
	})

	lc.HandleFault(context.Background(), avatarsdk.Fault{Code: 4242, Detail: "future code"})

	if len(alerter.sent()) != 0 {
		t.Fatalf("unknown codes must never alert")
	}
	if timers.count() != 0 {
		t.Fatalf("unknown codes must not schedule recovery")
	}
	if sdk.initCount() != 0 || sdk.backgroundCount() != 0 {
		t.Fatalf("unknown codes must not touch the renderer")
	}
}

func TestLifecycleRunConsumesFaults(t *testing.T) {
	sdk := newFakeSDK()
	timers := &fakeTimers{}
	lc := newTestLifecycle(t, LifecycleConfig{
		SDK:       sdk,
		AfterFunc: timers.afterFunc,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	waitUntil(t, func() bool { return sdk.initCount() == 1 }, "initial renderer load")
	waitUntil(t, func() bool { return timers.count() == 1 }, "daily reset armed")

	sdk.faults <- avatarsdk.Fault{Code: avatarsdk.FaultSocketClosed, Detail: "ws closed"}
	waitUntil(t, lc.ReinitPending, "reinit scheduled from fault stream")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}
