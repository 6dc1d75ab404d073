package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "screenagent",
	Short: "Coordinator and device agent for the digital-human screen fleet",
	Long:  `screenagent 管理固定数量的数字人大屏设备：serve 跑调度端（设备注册表、FIFO 任务队列、派发判定），agent 跑设备端三条循环（状态上报、取任务播报、渲染资源生命周期），enqueue 向调度端投递单条任务。`,
}

var rootCoordinatorURL string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootCoordinatorURL, "coordinator-url", "", "Coordinator 基址覆盖 COORDINATOR_URL")
	rootCmd.AddCommand(
		newServeCmd(),
		newAgentCmd(),
		newEnqueueCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("screenagent command failed")
	}
}
