package avatarsdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Stub is an in-process renderer bridge used when no real SDK endpoint is
// configured. Every call is logged and succeeds, so a device can run the full
// report/reset/present loop on a bench without a screen attached. Faults are
// only ever produced through InjectFault.
type Stub struct {
	mu      sync.Mutex
	seq     int
	current *Handle
	faults  chan Fault
}

// NewStub returns a ready stub bridge.
func NewStub() *Stub {
	return &Stub{faults: make(chan Fault, 16)}
}

// Initialize brings up a fresh stub instance. An instance that was still
// live is logged and forgotten, matching a renderer reload.
func (s *Stub) Initialize(ctx context.Context, cfg Config) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "initialize renderer")
	}
	cfg = cfg.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		log.Warn().Str("instance", s.current.id).Msg("renderer instance replaced without destroy")
	}
	s.seq++
	s.current = NewHandle(fmt.Sprintf("stub-%s-%d", cfg.Scene, s.seq), cfg.Scene)
	log.Info().
		Str("device", cfg.DeviceID).
		Str("scene", string(cfg.Scene)).
		Int("budgetMB", cfg.MemoryBudgetMB).
		Str("instance", s.current.id).
		Msg("renderer initialized")
	return s.current, nil
}

// Destroy tears down the given instance. Nil and already-destroyed handles
// are tolerated: the daily reset destroys whatever is there.
func (s *Stub) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != h.id {
		log.Debug().Str("instance", h.id).Msg("destroy on stale renderer instance ignored")
		return nil
	}
	s.current = nil
	log.Info().Str("instance", h.id).Msg("renderer destroyed")
	return nil
}

// SetDefaultBackground switches the live instance to the fallback backdrop.
func (s *Stub) SetDefaultBackground(ctx context.Context, h *Handle) error {
	if err := s.requireLive(h); err != nil {
		return err
	}
	log.Info().Str("instance", h.id).Msg("renderer switched to default background")
	return nil
}

// Present plays one script on the live instance.
func (s *Stub) Present(ctx context.Context, h *Handle, script Script) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "present script")
	}
	if err := s.requireLive(h); err != nil {
		return err
	}
	log.Info().
		Str("instance", h.ID()).
		Str("taskId", script.TaskID).
		Int("textLen", len(script.Text)).
		Str("imageRef", script.ImageRef).
		Msg("script presented")
	return nil
}

// Faults returns the injected-fault stream.
func (s *Stub) Faults() <-chan Fault {
	return s.faults
}

// InjectFault queues a fault for delivery. When the buffer is full the fault
// is dropped with a warning; fault delivery must never block the renderer.
func (s *Stub) InjectFault(f Fault) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	select {
	case s.faults <- f:
	default:
		log.Warn().Stringer("code", f.Code).Msg("fault buffer full, fault dropped")
	}
}

// Current exposes the live handle for assertions in bench runs.
func (s *Stub) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Stub) requireLive(h *Handle) error {
	if h == nil {
		return errors.New("renderer: no instance")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != h.id {
		return errors.Errorf("renderer: instance %s is not live", h.id)
	}
	return nil
}
