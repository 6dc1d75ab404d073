package feishusdk

import (
	"os"
	"strings"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

// Shared constants for the Feishu fleet board integration. Keep these here so
// both the coordinator and the operator tooling reference a single source of
// truth when wiring the device status table.
const (
	// EnvFleetBitableURL indicates where to push per-device status rows.
	EnvFleetBitableURL = "FLEET_BITABLE_URL"

	// StatusIdle marks a device row as dispatchable.
	StatusIdle = "idle"
	// StatusBusy marks a device row as currently rendering.
	StatusBusy = "busy"
	// StatusOverMemory marks a device row as excluded by the memory ceiling.
	StatusOverMemory = "overMemory"
)

// Environment override keys for the fleet status table columns.
const (
	EnvFleetFieldDeviceID       = "FLEET_FIELD_DEVICE_ID"
	EnvFleetFieldBusy           = "FLEET_FIELD_BUSY"
	EnvFleetFieldMemoryMB       = "FLEET_FIELD_MEMORY_MB"
	EnvFleetFieldStatus         = "FLEET_FIELD_STATUS"
	EnvFleetFieldLastReportedAt = "FLEET_FIELD_LAST_REPORTED_AT"
)

// baseFleetFields matches the column names of the built-in fleet board template.
var (
	baseFleetFields = FleetFields{
		DeviceID:       "DeviceID",
		Busy:           "Busy",
		MemoryMB:       "MemoryMB",
		Status:         "Status",
		LastReportedAt: "LastReportedAt",
	}
	DefaultFleetFields = baseFleetFields
)

func init() {
	_ = env.Ensure()
	RefreshFieldMappings()
}

// RefreshFieldMappings re-applies environment overrides to the exported field map.
// Call this after loading .env files or mutating related environment variables at runtime.
func RefreshFieldMappings() {
	DefaultFleetFields = baseFleetFields
	applyFleetFieldEnvOverrides(&DefaultFleetFields)
}

func applyFleetFieldEnvOverrides(fields *FleetFields) {
	if fields == nil {
		return
	}
	overrideFieldFromEnv(EnvFleetFieldDeviceID, &fields.DeviceID)
	overrideFieldFromEnv(EnvFleetFieldBusy, &fields.Busy)
	overrideFieldFromEnv(EnvFleetFieldMemoryMB, &fields.MemoryMB)
	overrideFieldFromEnv(EnvFleetFieldStatus, &fields.Status)
	overrideFieldFromEnv(EnvFleetFieldLastReportedAt, &fields.LastReportedAt)
}

func overrideFieldFromEnv(env string, target *string) {
	if target == nil {
		return
	}
	if val, ok := os.LookupEnv(env); ok {
		*target = strings.TrimSpace(val)
	}
}
