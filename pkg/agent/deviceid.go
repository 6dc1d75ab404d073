package agent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

// EnvDeviceID names this device when it is not passed explicitly.
const EnvDeviceID = "DEVICE_ID"

// ResolveDeviceID returns the device identity, preferring the explicit value,
// then DEVICE_ID, then a stable machine-derived identifier. The identity must
// match a provisioned fleet entry or the coordinator will refuse the device.
func ResolveDeviceID(explicit string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(env.String(EnvDeviceID, "")); id != "" {
		return id, nil
	}
	id, err := machineID()
	if err != nil || id == "" {
		return "", errors.New("device id not configured and no machine id available")
	}
	return id, nil
}

// machineID returns a best-effort stable identifier for this host.
// On macOS it uses `system_profiler`; on Linux it prefers /etc/machine-id
// then falls back to /sys/class/dmi/id/product_uuid.
func machineID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id, nil
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id, nil
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
