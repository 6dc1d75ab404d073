package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	screenagent "github.com/screenfleet/ScreenAgent"
	"github.com/screenfleet/ScreenAgent/internal/probe"
	"github.com/screenfleet/ScreenAgent/pkg/alert"
	"github.com/screenfleet/ScreenAgent/pkg/avatarsdk"
)

// EnvPollInterval overrides how often an idle device asks for work.
const EnvPollInterval = "POLL_INTERVAL"

// DefaultPollInterval is the idle task-poll period.
const DefaultPollInterval = 10 * time.Second

// Config assembles a device agent. Zero-value collaborators get working
// defaults: the stub renderer, the process memory probe, and the env-driven
// alerter.
type Config struct {
	DeviceID    string
	Coordinator string
	// Scene picks the renderer memory budget tier.
	Scene string
	// MemoryBudgetMB overrides the scene's budget when positive.
	MemoryBudgetMB int
	CacheDir       string

	ReportInterval time.Duration
	PollInterval   time.Duration
	ResetTime      string
	ReinitDelay    time.Duration

	SDK        avatarsdk.SDK
	Probe      MemoryProbe
	Alerter    alert.Alerter
	HTTPClient *http.Client
}

// Agent 将设备侧三条循环（状态上报、生命周期、取任务）拼装到一起。
// One renderer, one busy flag: the reporter reads the flag the task runner
// flips around each presentation, so the coordinator sees "busy" for exactly
// as long as a script is playing.
type Agent struct {
	client       *Client
	reporter     *Reporter
	lifecycle    *Lifecycle
	metrics      *Metrics
	sdk          avatarsdk.SDK
	pollInterval time.Duration

	busyMu sync.Mutex
	busy   bool
}

// New wires an agent from config.
func New(cfg Config) (*Agent, error) {
	client, err := NewClient(cfg.Coordinator, cfg.DeviceID, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	sdk := cfg.SDK
	if sdk == nil {
		sdk = avatarsdk.NewStub()
	}
	memProbe := cfg.Probe
	if memProbe == nil {
		memProbe = probe.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cache, err := NewCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		client:       client,
		metrics:      NewMetrics(),
		sdk:          sdk,
		pollInterval: cfg.PollInterval,
	}

	scene := avatarsdk.ParseScene(cfg.Scene)
	budget := cfg.MemoryBudgetMB
	if budget <= 0 {
		budget = avatarsdk.SceneBudgetMB(scene)
	}
	agent.lifecycle, err = NewLifecycle(LifecycleConfig{
		DeviceID: client.DeviceID(),
		SDK:      sdk,
		SDKConfig: avatarsdk.Config{
			DeviceID:       client.DeviceID(),
			Scene:          scene,
			MemoryBudgetMB: budget,
		},
		Cache:       cache,
		Alerter:     cfg.Alerter,
		ResetTime:   cfg.ResetTime,
		ReinitDelay: cfg.ReinitDelay,
		Metrics:     agent.metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "wire lifecycle manager")
	}

	agent.reporter, err = NewReporter(ReporterConfig{
		Client:   client,
		Probe:    memProbe,
		Busy:     agent.isBusy,
		Interval: cfg.ReportInterval,
		Metrics:  agent.metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "wire status reporter")
	}
	return agent, nil
}

// Run supervises the three device loops until ctx is canceled. A panic in
// one loop restarts that loop without touching the other two.
func (a *Agent) Run(ctx context.Context) error {
	log.Info().
		Str("device", a.client.DeviceID()).
		Dur("pollInterval", a.pollInterval).
		Msg("device agent starting")

	group := screenagent.NewSafeGroup(ctx)
	group.GoSafe("lifecycle", a.lifecycle.Run)
	group.GoSafe("status-reporter", a.reporter.Run)
	group.GoSafe("task-runner", a.runTasks)

	err := group.WaitOrInterrupt(10 * time.Second)
	a.metrics.LogSummary("device agent stopped")
	return err
}

func (a *Agent) isBusy() bool {
	a.busyMu.Lock()
	defer a.busyMu.Unlock()
	return a.busy
}

func (a *Agent) setBusy(v bool) {
	a.busyMu.Lock()
	a.busy = v
	a.busyMu.Unlock()
}

// runTasks polls for work while idle and presents assignments one at a time.
func (a *Agent) runTasks(ctx context.Context) error {
	log.Info().
		Str("device", a.client.DeviceID()).
		Dur("interval", a.pollInterval).
		Msg("task runner started")

	a.pollOnce(ctx)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("device", a.client.DeviceID()).Msg("task runner stopped")
			return ctx.Err()
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	if a.isBusy() {
		return
	}
	task, reason, err := a.client.FetchTask(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("device", a.client.DeviceID()).Msg("task poll failed")
		}
		return
	}
	if task == nil {
		if reason != "" {
			log.Debug().Str("device", a.client.DeviceID()).Str("reason", reason).Msg("coordinator deferred this device")
		}
		return
	}
	a.present(ctx, task)
}

// present plays one task, holding the busy flag for the whole playback so
// status reports and further polls see the device as occupied.
func (a *Agent) present(ctx context.Context, task *screenagent.Task) {
	a.setBusy(true)
	defer a.setBusy(false)

	script := avatarsdk.Script{TaskID: task.ID, Text: task.Content, ImageRef: task.ImageRef}
	if err := a.sdk.Present(ctx, a.lifecycle.Handle(), script); err != nil {
		a.metrics.PresentFailed()
		log.Error().Err(err).Str("taskId", task.ID).Msg("presentation failed")
		return
	}
	a.metrics.TaskPresented()
	log.Info().Str("device", a.client.DeviceID()).Str("taskId", task.ID).Msg("task presented")
}
