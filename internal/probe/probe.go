// Package probe samples the memory footprint a device puts into its status
// reports. The renderer runs inside the agent process, so the process
// resident set is the figure the coordinator's memory ceiling is judged
// against; system-wide usage is the fallback when process inspection is
// unavailable (containers with a restricted /proc, exotic kernels).
package probe

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

// Probe reads the current memory footprint in whole MB.
type Probe struct {
	pid int32
}

// New returns a probe bound to the current process.
func New() *Probe {
	return &Probe{pid: int32(os.Getpid())}
}

// MemoryMB returns the process resident set in MB, falling back to
// system-wide used memory when the process cannot be inspected.
func (p *Probe) MemoryMB(ctx context.Context) (int, error) {
	proc, err := process.NewProcessWithContext(ctx, p.pid)
	if err == nil {
		info, infoErr := proc.MemoryInfoWithContext(ctx)
		if infoErr == nil && info != nil {
			return int(info.RSS / bytesPerMB), nil
		}
		err = infoErr
	}
	log.Debug().Err(err).Int32("pid", p.pid).Msg("process memory unavailable, using system usage")

	vm, vmErr := mem.VirtualMemoryWithContext(ctx)
	if vmErr != nil {
		return 0, errors.Wrap(vmErr, "read system memory")
	}
	return int(vm.Used / bytesPerMB), nil
}
