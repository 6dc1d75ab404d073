package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Throttle defaults. A flapping renderer can emit the same fatal fault every
// few seconds; the receiver needs the first few, not all of them.
const (
	DefaultAlertBurst  = 3
	DefaultAlertWindow = 10 * time.Minute
)

// alertThrottle tracks delivery timestamps per device over a sliding window.
type alertThrottle struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string][]time.Time
}

func newAlertThrottle(limit int, window time.Duration) *alertThrottle {
	return &alertThrottle{
		limit:   limit,
		window:  window,
		records: make(map[string][]time.Time),
	}
}

func (t *alertThrottle) remaining(deviceID string, now time.Time) int {
	if t == nil {
		return 0
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pruneLocked(deviceID, now)
	if t.limit <= 0 {
		return 0
	}
	remaining := t.limit - len(list)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *alertThrottle) record(deviceID string, now time.Time) int {
	if t == nil {
		return 0
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pruneLocked(deviceID, now)
	list = append(list, now)
	t.records[deviceID] = list
	return len(list)
}

func (t *alertThrottle) pruneLocked(deviceID string, now time.Time) []time.Time {
	list := t.records[deviceID]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-t.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	t.records[deviceID] = list
	return list
}

// ThrottledAlerter caps how many alerts per device reach the wrapped alerter
// within the window. Suppressed alerts still land in the log, so nothing is
// lost, only deduplicated at the webhook.
type ThrottledAlerter struct {
	next     Alerter
	throttle *alertThrottle
	clock    func() time.Time
}

// NewThrottledAlerter wraps next with a per-device sliding-window cap.
// Non-positive limit or window fall back to the defaults.
func NewThrottledAlerter(next Alerter, limit int, window time.Duration) *ThrottledAlerter {
	if limit <= 0 {
		limit = DefaultAlertBurst
	}
	if window <= 0 {
		window = DefaultAlertWindow
	}
	return &ThrottledAlerter{
		next:     next,
		throttle: newAlertThrottle(limit, window),
		clock:    time.Now,
	}
}

// Alert forwards the alert unless the device already used up its window.
func (t *ThrottledAlerter) Alert(ctx context.Context, a Alert) error {
	now := t.clock()
	if t.throttle.remaining(a.DeviceID, now) <= 0 {
		log.Warn().
			Str("device", a.DeviceID).
			Str("code", a.Code).
			Str("message", a.Message).
			Msg("alert suppressed, device exceeded its alert window")
		return nil
	}
	t.throttle.record(a.DeviceID, now)
	return t.next.Alert(ctx, a)
}
