// Package avatarsdk is the capability surface of the digital-human rendering
// SDK as seen by a screen device. The coordinator never imports it; only the
// on-device agent drives it. The real renderer lives out of process (a web
// widget hosted by the screen's shell), so this package models exactly what
// the device loop needs: bring an instance up, tear it down, degrade to a
// default background, play a script, and observe asynchronous fault codes.
package avatarsdk

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

// SceneType 标识设备的投放场景，决定渲染器的内存预算档位。
type SceneType string

const (
	// ScenePublicServiceScreen covers lobby / hospital / government screens.
	ScenePublicServiceScreen SceneType = "public_service_screen"
	// SceneVehicle covers in-vehicle screens with tighter thermal headroom.
	SceneVehicle SceneType = "vehicle"
	// SceneVirtualIP covers studio-grade virtual IP streams.
	SceneVirtualIP SceneType = "virtual_ip"
)

// EnvScene selects the device's deployment scene.
const EnvScene = "AVATAR_SCENE"

// EnvMemoryBudgetMB overrides the renderer memory budget regardless of scene.
const EnvMemoryBudgetMB = "AVATAR_MEMORY_BUDGET_MB"

// Per-scene renderer memory budgets, in MB. Overridable per deployment.
const (
	EnvPublicServiceScreenMemoryMB = "PUBLIC_SERVICE_SCREEN_MEMORY_MB"
	EnvVehicleMemoryMB             = "VEHICLE_MEMORY_MB"
	EnvVirtualIPMemoryMB           = "VIRTUAL_IP_MEMORY_MB"

	defaultPublicServiceScreenMB = 512
	defaultVehicleMB             = 1024
	defaultVirtualIPMB           = 2048
)

// ParseScene normalizes a configured scene label. Unknown labels fall back to
// the public-service tier, the smallest budget, with a warning.
func ParseScene(raw string) SceneType {
	switch SceneType(strings.ToLower(strings.TrimSpace(raw))) {
	case SceneVehicle:
		return SceneVehicle
	case SceneVirtualIP:
		return SceneVirtualIP
	case ScenePublicServiceScreen, "":
		return ScenePublicServiceScreen
	default:
		log.Warn().Str("scene", raw).Msg("unknown scene type, using public_service_screen")
		return ScenePublicServiceScreen
	}
}

// SceneBudgetMB returns the renderer memory budget for a scene, honoring the
// per-scene env overrides.
func SceneBudgetMB(scene SceneType) int {
	switch scene {
	case SceneVehicle:
		return env.Int(EnvVehicleMemoryMB, defaultVehicleMB)
	case SceneVirtualIP:
		return env.Int(EnvVirtualIPMemoryMB, defaultVirtualIPMB)
	default:
		return env.Int(EnvPublicServiceScreenMemoryMB, defaultPublicServiceScreenMB)
	}
}

// Config 是一次渲染器实例化所需的全部参数。
type Config struct {
	// DeviceID tags renderer-side logs with the owning device.
	DeviceID string
	Scene    SceneType
	// MemoryBudgetMB caps the renderer working set. Zero means the scene default.
	MemoryBudgetMB int
	// ContainerID is the DOM node the widget mounts into.
	ContainerID string
	// DefaultBackground is the asset shown when a scene background fails to load.
	DefaultBackground string
}

// normalized fills scene and budget defaults without mutating the receiver.
func (c Config) normalized() Config {
	c.Scene = ParseScene(string(c.Scene))
	if c.MemoryBudgetMB <= 0 {
		c.MemoryBudgetMB = SceneBudgetMB(c.Scene)
	}
	if c.ContainerID == "" {
		c.ContainerID = "avatar-root"
	}
	return c
}

// FaultCode 是渲染器异步回调上报的错误码。
// The set is closed on the device side: codes outside it are logged and
// ignored rather than treated as fatal, so a renderer upgrade that adds
// codes cannot take a fleet down.
type FaultCode int

const (
	// FaultContainerMissing: the mount container or DOM tree is gone.
	// Unrecoverable without a structural fix on the shell.
	FaultContainerMissing FaultCode = 1001
	// FaultSocketClosed: the renderer lost its signaling transport.
	FaultSocketClosed FaultCode = 2008
	// FaultBackgroundLoad: a scene background asset failed to load.
	FaultBackgroundLoad FaultCode = 3005
)

func (c FaultCode) String() string {
	switch c {
	case FaultContainerMissing:
		return "containerMissing"
	case FaultSocketClosed:
		return "socketClosed"
	case FaultBackgroundLoad:
		return "backgroundLoadFailed"
	default:
		return "code(" + strconv.Itoa(int(c)) + ")"
	}
}

// Fault is one asynchronous error event from the renderer.
type Fault struct {
	Code   FaultCode
	Detail string
	At     time.Time
}

// Script is one presentation job for the digital human: spoken text plus an
// optional backdrop image.
type Script struct {
	TaskID   string
	Text     string
	ImageRef string
}

// Handle represents one live renderer instance. It is opaque to callers and
// only valid between a successful Initialize and the matching Destroy.
type Handle struct {
	id    string
	scene SceneType
}

// NewHandle mints a handle for a live instance. Bridge implementations call
// this; consumers treat handles as opaque tokens.
func NewHandle(id string, scene SceneType) *Handle {
	return &Handle{id: id, scene: scene}
}

// ID returns the instance identifier, for logs.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// SDK is what the device lifecycle and task loops require of a renderer
// bridge. Implementations must make Destroy tolerate a nil or stale handle:
// the daily reset destroys "whatever is there" and must not fail when
// nothing is.
type SDK interface {
	Initialize(ctx context.Context, cfg Config) (*Handle, error)
	Destroy(ctx context.Context, h *Handle) error
	SetDefaultBackground(ctx context.Context, h *Handle) error
	Present(ctx context.Context, h *Handle, script Script) error
	// Faults streams asynchronous renderer error codes. The channel is never
	// closed while the bridge is alive; delivery is best-effort.
	Faults() <-chan Fault
}
