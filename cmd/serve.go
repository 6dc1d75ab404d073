package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	screenagent "github.com/screenfleet/ScreenAgent"
	"github.com/screenfleet/ScreenAgent/internal/env"
	"github.com/screenfleet/ScreenAgent/pkg/intake"
	"github.com/screenfleet/ScreenAgent/pkg/storage"
)

func newServeCmd() *cobra.Command {
	var (
		flagListen        string
		flagFleet         string
		flagMemoryCeiling int
		flagSyncInterval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet coordinator HTTP service",
		Long:  "调度端：按 FLEET_DEVICES 建好设备注册表，接收状态上报与取任务轮询，任务可经 HTTP 或 Kafka 进队。",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(flagFleet) != "" {
				if err := os.Setenv(screenagent.EnvFleetDevices, strings.TrimSpace(flagFleet)); err != nil {
					return fmt.Errorf("set %s failed: %w", screenagent.EnvFleetDevices, err)
				}
			}
			fleet := screenagent.FleetFromEnv()
			if len(fleet) == 0 {
				return fmt.Errorf("--fleet or $%s must list the provisioned devices", screenagent.EnvFleetDevices)
			}

			registry := screenagent.NewRegistry(fleet)
			queue := screenagent.NewTaskQueue()

			cfg := screenagent.CoordinatorConfig{
				MemoryCeilingMB: intFlagOrEnv(flagMemoryCeiling, screenagent.EnvMemoryCeilingMB, screenagent.DefaultMemoryCeilingMB),
			}
			journal, err := storage.NewJournalFromEnv()
			if err != nil {
				return err
			}
			if journal != nil {
				defer journal.Close()
				cfg.Journal = journal
			}
			recorder, err := screenagent.NewFleetRecorderFromEnv()
			if err != nil {
				return err
			}
			cfg.Recorder = recorder
			coordinator, err := screenagent.NewCoordinator(registry, queue, cfg)
			if err != nil {
				return err
			}

			boardSync, err := screenagent.NewBoardSync(coordinator, recorder,
				durationFlagOrEnv(flagSyncInterval, screenagent.EnvFleetSyncInterval, 0))
			if err != nil {
				return err
			}

			consumer, err := intake.NewConsumerFromEnv(coordinator)
			if err != nil {
				return err
			}

			srv, err := screenagent.NewServer(coordinator)
			if err != nil {
				return err
			}
			listen := firstNonEmpty(flagListen, env.String(screenagent.EnvListenAddr, screenagent.DefaultListenAddr))
			httpSrv := &http.Server{
				Addr:              listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("listen", listen).
				Int("fleet_size", len(fleet)).
				Int("memory_ceiling_mb", coordinator.MemoryCeilingMB()).
				Bool("journal", journal != nil).
				Bool("kafka_intake", consumer != nil).
				Msg("fleet coordinator starting")

			group := screenagent.NewSafeGroup(sigCtx)
			group.GoSafe("http-server", func(ctx context.Context) error {
				return runHTTPServer(ctx, httpSrv)
			})
			group.GoSafe("fleet-board-sync", boardSync.Run)
			if consumer != nil {
				defer consumer.Close()
				group.GoSafe("task-intake", consumer.Run)
			}
			return group.WaitOrInterrupt(15 * time.Second)
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address overriding $LISTEN_ADDR")
	cmd.Flags().StringVar(&flagFleet, "fleet", "", "Provisioned device list overriding $FLEET_DEVICES")
	cmd.Flags().IntVar(&flagMemoryCeiling, "memory-ceiling", 0, "Dispatch memory ceiling in MB (0 uses $MEMORY_CEILING_MB)")
	cmd.Flags().DurationVar(&flagSyncInterval, "sync-interval", 0, "Fleet board mirror interval (0 uses $FLEET_SYNC_INTERVAL)")

	return cmd
}

// runHTTPServer serves until ctx is canceled, then drains in-flight requests
// before returning.
func runHTTPServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
		<-errCh
		return ctx.Err()
	}
}
