package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	screenagent "github.com/screenfleet/ScreenAgent"
	"github.com/screenfleet/ScreenAgent/internal/env"
	"github.com/screenfleet/ScreenAgent/pkg/agent"
	"github.com/screenfleet/ScreenAgent/pkg/alert"
	"github.com/screenfleet/ScreenAgent/pkg/avatarsdk"
)

func newAgentCmd() *cobra.Command {
	var (
		flagCoordinator    string
		flagDeviceID       string
		flagScene          string
		flagMemoryBudget   int
		flagCacheDir       string
		flagReportInterval time.Duration
		flagPollInterval   time.Duration
		flagResetTime      string
		flagReinitDelay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the on-device screen agent",
		Long:  "设备端：周期性上报忙碌标志与内存占用、空闲时轮询取任务播报，并托管渲染器的每日重置与故障恢复。",
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinatorURL := firstNonEmpty(flagCoordinator, rootCoordinatorURL, env.String(agent.EnvCoordinatorURL, ""))
			if coordinatorURL == "" {
				return fmt.Errorf("--coordinator-url or $%s is required", agent.EnvCoordinatorURL)
			}
			deviceID, err := agent.ResolveDeviceID(firstNonEmpty(flagDeviceID, env.String(agent.EnvDeviceID, "")))
			if err != nil {
				return err
			}

			dev, err := agent.New(agent.Config{
				DeviceID:       deviceID,
				Coordinator:    coordinatorURL,
				Scene:          firstNonEmpty(flagScene, env.String(avatarsdk.EnvScene, "")),
				MemoryBudgetMB: intFlagOrEnv(flagMemoryBudget, avatarsdk.EnvMemoryBudgetMB, 0),
				CacheDir:       firstNonEmpty(flagCacheDir, env.String(agent.EnvCacheDir, "")),
				ReportInterval: durationFlagOrEnv(flagReportInterval, screenagent.EnvReportInterval, screenagent.DefaultReportInterval),
				PollInterval:   durationFlagOrEnv(flagPollInterval, agent.EnvPollInterval, agent.DefaultPollInterval),
				ResetTime:      firstNonEmpty(flagResetTime, env.String(screenagent.EnvResetTime, screenagent.DefaultResetTime)),
				ReinitDelay:    durationFlagOrEnv(flagReinitDelay, screenagent.EnvReinitDelay, screenagent.DefaultReinitDelay),
				Alerter:        alert.NewFromEnv(),
			})
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("device", deviceID).
				Str("coordinator", coordinatorURL).
				Msg("screen agent running")
			return dev.Run(sigCtx)
		},
	}

	cmd.Flags().StringVar(&flagCoordinator, "coordinator-url", "", "Coordinator 基址覆盖 $COORDINATOR_URL")
	cmd.Flags().StringVar(&flagDeviceID, "device-id", "", "Device identifier overriding $DEVICE_ID (falls back to the machine id)")
	cmd.Flags().StringVar(&flagScene, "scene", "", "Deployment scene overriding $AVATAR_SCENE (public_service_screen/vehicle/virtual_ip)")
	cmd.Flags().IntVar(&flagMemoryBudget, "memory-budget", 0, "Renderer memory budget in MB (0 uses $AVATAR_MEMORY_BUDGET_MB or the scene tier)")
	cmd.Flags().StringVar(&flagCacheDir, "cache-dir", "", "Asset staging directory overriding $ASSET_CACHE_DIR")
	cmd.Flags().DurationVar(&flagReportInterval, "report-interval", 0, "Health report period (0 uses $REPORT_INTERVAL)")
	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "Idle task poll period (0 uses $POLL_INTERVAL)")
	cmd.Flags().StringVar(&flagResetTime, "reset-time", "", "Daily resource reset wall clock HH:MM overriding $RESET_TIME")
	cmd.Flags().DurationVar(&flagReinitDelay, "reinit-delay", 0, "Delay before the transport reinit attempt (0 uses $REINIT_DELAY)")

	return cmd
}
