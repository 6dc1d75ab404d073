// Package agent is the device-side runtime for a fleet screen: it keeps the
// coordinator informed about the device's health, polls for presentation
// work, and babysits the renderer through daily resets and fault recovery.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	screenagent "github.com/screenfleet/ScreenAgent"
)

// EnvCoordinatorURL names the coordinator base URL for device-side commands.
const EnvCoordinatorURL = "COORDINATOR_URL"

// Client talks to the coordinator's HTTP surface on behalf of one device.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
}

// NewClient builds a device-bound coordinator client. A nil http client falls
// back to a short-lived default client.
func NewClient(baseURL, deviceID string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("coordinator base url is required")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, deviceID: deviceID, httpClient: httpClient}, nil
}

// DeviceID returns the identity this client reports as.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// envelope mirrors the coordinator's JSON response body.
type envelope struct {
	Code int               `json:"code"`
	Msg  string            `json:"msg"`
	Task *screenagent.Task `json:"task"`
}

type statusReportBody struct {
	DeviceID string `json:"deviceId"`
	IsBusy   bool   `json:"isBusy"`
	Memory   int    `json:"memory"`
}

// ReportStatus submits one health report. Any transport failure or non-OK
// envelope is returned as an error; the caller decides whether that matters.
func (c *Client) ReportStatus(ctx context.Context, busy bool, memoryMB int) error {
	body, err := json.Marshal(statusReportBody{DeviceID: c.deviceID, IsBusy: busy, Memory: memoryMB})
	if err != nil {
		return errors.Wrap(err, "marshal status report")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/report-status", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build status report request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post status report")
	}
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("coordinator refused status report: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// FetchTask asks the coordinator for work. Outcomes:
//   - a non-nil task: an assignment, now owned by this device;
//   - nil task, empty reason: the queue is empty;
//   - nil task, non-empty reason: the coordinator refused this device
//     ("busy" or "overMemory"), expected while rendering or before a reset;
//   - error: transport failures and identity rejections (unknown device).
func (c *Client) FetchTask(ctx context.Context) (*screenagent.Task, string, error) {
	query := url.Values{"deviceId": {c.deviceID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get-task?"+query.Encode(), nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build get-task request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "get task")
	}
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, "", nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, "", errors.Wrapf(err, "decode get-task response (status %d)", resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		if env.Task == nil {
			return nil, "", errors.New("coordinator returned 200 without a task")
		}
		log.Debug().Str("device", c.deviceID).Str("taskId", env.Task.ID).Msg("task assigned")
		return env.Task, "", nil
	case http.StatusForbidden:
		return nil, env.Msg, nil
	default:
		return nil, "", errors.Errorf("coordinator refused get-task: status %d msg %q", resp.StatusCode, env.Msg)
	}
}
