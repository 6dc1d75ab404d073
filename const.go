package screenagent

import (
	"time"

	"github.com/screenfleet/ScreenAgent/internal/feishusdk"
)

// Environment variable names for the externally meaningful tunables. These
// five knobs are the only contract constants the fleet operators adjust;
// everything else is wiring.
const (
	// EnvFleetDevices lists the provisioned device identifiers. The value can
	// be a comma/semicolon/whitespace-separated list, for example:
	//   FLEET_DEVICES="hospital-screen-1,hospital-screen-2"
	//   FLEET_DEVICES="lobby-a lobby-b"
	EnvFleetDevices = "FLEET_DEVICES"
	// EnvMemoryCeilingMB overrides the dispatch memory ceiling (MB).
	EnvMemoryCeilingMB = "MEMORY_CEILING_MB"
	// EnvReportInterval overrides the device health report period.
	EnvReportInterval = "REPORT_INTERVAL"
	// EnvResetTime overrides the daily resource reset wall-clock time ("HH:MM", local).
	EnvResetTime = "RESET_TIME"
	// EnvReinitDelay overrides the delay before the single reinit attempt
	// after a transport fault.
	EnvReinitDelay = "REINIT_DELAY"
)

// Reference defaults for the tunables above.
const (
	DefaultMemoryCeilingMB = 350
	DefaultReportInterval  = 30 * time.Second
	DefaultResetTime       = "02:00"
	DefaultReinitDelay     = 5 * time.Second
)

// Shared environment variable names for the Feishu fleet board integration,
// re-exported from the internal SDK so callers can depend on the root
// screenagent package only.
const (
	// EnvFleetBitableURL indicates where to push per-device status rows.
	EnvFleetBitableURL = feishusdk.EnvFleetBitableURL
)

// Shared status values for fleet board rows.
const (
	FleetStatusIdle       = feishusdk.StatusIdle
	FleetStatusBusy       = feishusdk.StatusBusy
	FleetStatusOverMemory = feishusdk.StatusOverMemory
)
