package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/screenfleet/ScreenAgent/internal/env"
	"github.com/screenfleet/ScreenAgent/pkg/agent"
)

func newEnqueueCmd() *cobra.Command {
	var (
		flagCoordinator string
		flagContent     string
		flagImageRef    string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [text]",
		Short: "Queue one presentation task on the coordinator",
		Long:  "向调度端投递一条播报任务；文本可用 --content 或位置参数给出，配图引用可选。",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinatorURL := firstNonEmpty(flagCoordinator, rootCoordinatorURL, env.String(agent.EnvCoordinatorURL, ""))
			if coordinatorURL == "" {
				return fmt.Errorf("--coordinator-url or $%s is required", agent.EnvCoordinatorURL)
			}
			content := firstNonEmpty(flagContent, strings.Join(args, " "))
			if content == "" {
				return fmt.Errorf("--content or positional text is required")
			}

			payload, err := json.Marshal(map[string]string{
				"content":  content,
				"imageRef": strings.TrimSpace(flagImageRef),
			})
			if err != nil {
				return fmt.Errorf("encode task: %w", err)
			}
			url := strings.TrimRight(coordinatorURL, "/") + "/tasks"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 15 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("post task: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("coordinator rejected task: status %d body %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			var out struct {
				Code   int    `json:"code"`
				TaskID string `json:"taskId"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			log.Info().Str("task_id", out.TaskID).Msg("task enqueued")
			return nil
		},
	}

	cmd.Flags().StringVar(&flagCoordinator, "coordinator-url", "", "Coordinator 基址覆盖 $COORDINATOR_URL")
	cmd.Flags().StringVar(&flagContent, "content", "", "Spoken text for the digital human")
	cmd.Flags().StringVar(&flagImageRef, "image-ref", "", "Optional backdrop image reference")

	return cmd
}
