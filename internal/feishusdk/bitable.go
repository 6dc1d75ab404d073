package feishusdk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBitablePageSize = 200
	maxBitablePageSize     = 500
)

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef captures identifiers parsed from a Feishu Bitable base link.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
	ViewID   string
}

// FleetFields lists the expected column names inside the fleet status table.
type FleetFields struct {
	DeviceID       string
	Busy           string
	MemoryMB       string
	Status         string
	LastReportedAt string
}

// FleetRecordInput describes the payload used to create or update a device row.
type FleetRecordInput struct {
	DeviceID       string
	Busy           bool
	MemoryMB       int
	Status         string
	LastReportedAt *time.Time
}

// FleetTable caches decoded rows for quick record-id lookup during upserts.
type FleetTable struct {
	Ref    BitableRef
	Fields FleetFields
	Rows   []FleetRecordInput
	index  map[string]string // DeviceID -> RecordID
}

// RecordIDByDeviceID returns the record id for a given device identifier.
func (t *FleetTable) RecordIDByDeviceID(deviceID string) string {
	if t == nil || t.index == nil {
		return ""
	}
	return t.index[strings.TrimSpace(deviceID)]
}

// FleetFieldsFromEnv builds column names with environment overrides applied.
func FleetFieldsFromEnv() FleetFields {
	fields := baseFleetFields
	applyFleetFieldEnvOverrides(&fields)
	return fields
}

func isAllowedFeishuHost(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

// IsBitableURL returns true if the input looks like a Feishu Bitable base link.
func IsBitableURL(raw string) bool {
	_, err := ParseBitableURL(raw)
	return err == nil
}

// ParseBitableURL extracts app token, table id and view id from a Feishu
// Bitable base link. Wiki-hosted tables are not supported; operators should
// paste the base link shown in the table's share dialog.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}

	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Host) {
		return ref, fmt.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ref, errors.New("missing path segments in url")
	}

	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "wiki" {
			return ref, errors.New("wiki links are not supported, use the bitable base link")
		}
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		ref.AppToken = segments[len(segments)-1]
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url")
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}

	for _, key := range []string{"view", "viewId", "view_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.ViewID = v
			break
		}
	}

	return ref, nil
}

// FetchFleetTable downloads and decodes rows from the fleet status table.
func (c *Client) FetchFleetTable(ctx context.Context, rawURL string, override *FleetFields) (*FleetTable, error) {
	if c == nil {
		return nil, errors.New("feishu: client is nil")
	}
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return nil, err
	}

	fields := DefaultFleetFields
	if override != nil {
		fields = fields.merge(*override)
	}

	records, err := c.listBitableRecords(ctx, ref, defaultBitablePageSize)
	if err != nil {
		return nil, err
	}

	table := &FleetTable{
		Ref:    ref,
		Fields: fields,
		Rows:   make([]FleetRecordInput, 0, len(records)),
		index:  make(map[string]string, len(records)),
	}
	for _, rec := range records {
		if rec == nil || rec.Fields == nil {
			continue
		}
		deviceID := BitableFieldString(rec.Fields, fields.DeviceID)
		if deviceID == "" {
			continue
		}
		row := FleetRecordInput{
			DeviceID: deviceID,
			Busy:     strings.EqualFold(BitableFieldString(rec.Fields, fields.Busy), "true"),
			MemoryMB: int(BitableValueToInt64(rec.Fields[fields.MemoryMB])),
			Status:   BitableFieldString(rec.Fields, fields.Status),
		}
		if ts := bitableTimeValue(rec.Fields[fields.LastReportedAt]); ts != nil {
			row.LastReportedAt = ts
		}
		table.Rows = append(table.Rows, row)
		table.index[deviceID] = strings.TrimSpace(larkcore.StringValue(rec.RecordId))
	}
	return table, nil
}

// UpsertFleetDevice creates or updates a device row keyed by DeviceID.
func (c *Client) UpsertFleetDevice(ctx context.Context, rawURL string, fields FleetFields, rec FleetRecordInput) error {
	if c == nil {
		return errors.New("feishu: client is nil")
	}
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("feishu: fleet table url is empty")
	}
	table, err := c.FetchFleetTable(ctx, rawURL, &fields)
	if err != nil {
		return err
	}
	payload, err := buildFleetRowPayload(rec, table.Fields)
	if err != nil {
		return err
	}
	recordID := table.RecordIDByDeviceID(rec.DeviceID)
	if recordID == "" {
		_, err = c.createBitableRecord(ctx, table.Ref, payload)
		return err
	}
	return c.updateBitableRecord(ctx, table.Ref, recordID, payload)
}

func (fields FleetFields) merge(override FleetFields) FleetFields {
	result := fields
	if strings.TrimSpace(override.DeviceID) != "" {
		result.DeviceID = override.DeviceID
	}
	if strings.TrimSpace(override.Busy) != "" {
		result.Busy = override.Busy
	}
	if strings.TrimSpace(override.MemoryMB) != "" {
		result.MemoryMB = override.MemoryMB
	}
	if strings.TrimSpace(override.Status) != "" {
		result.Status = override.Status
	}
	if strings.TrimSpace(override.LastReportedAt) != "" {
		result.LastReportedAt = override.LastReportedAt
	}
	return result
}

func buildFleetRowPayload(rec FleetRecordInput, fields FleetFields) (map[string]any, error) {
	if strings.TrimSpace(rec.DeviceID) == "" {
		return nil, errors.New("feishu: device id is empty")
	}
	if strings.TrimSpace(fields.DeviceID) == "" {
		return nil, errors.New("feishu: DeviceID field not configured")
	}
	row := map[string]any{
		fields.DeviceID: strings.TrimSpace(rec.DeviceID),
	}
	if strings.TrimSpace(fields.Busy) != "" {
		row[fields.Busy] = fmt.Sprintf("%t", rec.Busy)
	}
	if strings.TrimSpace(fields.MemoryMB) != "" {
		row[fields.MemoryMB] = rec.MemoryMB
	}
	addOptionalField(row, fields.Status, rec.Status)
	if rec.LastReportedAt != nil && !rec.LastReportedAt.IsZero() {
		if strings.TrimSpace(fields.LastReportedAt) == "" {
			return nil, errors.New("feishu: LastReportedAt field not configured")
		}
		row[fields.LastReportedAt] = rec.LastReportedAt.UTC().UnixMilli()
	}
	return row, nil
}

func addOptionalField(dst map[string]any, column, value string) {
	column = strings.TrimSpace(column)
	value = strings.TrimSpace(value)
	if column == "" || value == "" {
		return
	}
	dst[column] = value
}

func clampBitablePageSize(pageSize int) int {
	if pageSize <= 0 {
		return defaultBitablePageSize
	}
	if pageSize > maxBitablePageSize {
		return maxBitablePageSize
	}
	return pageSize
}

func requireBitableAppTable(ref BitableRef) error {
	if strings.TrimSpace(ref.AppToken) == "" {
		return errors.New("feishu: bitable app token is empty")
	}
	if strings.TrimSpace(ref.TableID) == "" {
		return errors.New("feishu: bitable table id is empty")
	}
	return nil
}

func ensureSDKSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return fmt.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return fmt.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}

func (c *Client) listBitableRecords(ctx context.Context, ref BitableRef, pageSize int) ([]*larkbitable.AppTableRecord, error) {
	if err := requireBitableAppTable(ref); err != nil {
		return nil, err
	}
	api, opt, err := c.bitableSDK(ctx)
	if err != nil {
		return nil, err
	}
	pageSize = clampBitablePageSize(pageSize)

	var body *larkbitable.SearchAppTableRecordReqBody
	viewID := strings.TrimSpace(ref.ViewID)
	if viewID != "" {
		body = &larkbitable.SearchAppTableRecordReqBody{
			ViewId: larkcore.StringPtr(viewID),
		}
	}

	all := make([]*larkbitable.AppTableRecord, 0, pageSize)
	pageToken := ""
	page := 0
	start := time.Now()

	for {
		resp, err := api.Search(ctx, ref.AppToken, ref.TableID, pageSize, pageToken, body, opt)
		if err != nil {
			return nil, fmt.Errorf("feishu: search bitable records request failed: %w", err)
		}
		if resp == nil || resp.ApiResp == nil {
			return nil, errors.New("feishu: empty response when searching bitable records")
		}
		if !resp.Success() {
			return nil, fmt.Errorf(
				"feishu: search bitable records failed code=%d msg=%s table_id=%s view_id=%s log_id=%s",
				resp.Code, resp.Msg, ref.TableID, viewID, resp.RequestId(),
			)
		}

		hasMore := false
		nextToken := ""
		if data := resp.Data; data != nil {
			for _, item := range data.Items {
				if item == nil {
					continue
				}
				all = append(all, item)
			}
			hasMore = larkcore.BoolValue(data.HasMore)
			nextToken = strings.TrimSpace(larkcore.StringValue(data.PageToken))
		}

		page++
		if !hasMore || nextToken == "" {
			break
		}
		pageToken = nextToken
	}

	log.Debug().
		Str("table_id", ref.TableID).
		Str("view_id", viewID).
		Int("pages", page).
		Int("count", len(all)).
		Dur("elapsed", time.Since(start)).
		Msg("bitable records fetched")

	return all, nil
}

func (c *Client) createBitableRecord(ctx context.Context, ref BitableRef, fields map[string]any) (recordID string, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "create bitable record failed")
		}
	}()

	if len(fields) == 0 {
		return "", errors.New("feishu: no fields provided for creation")
	}
	if err := requireBitableAppTable(ref); err != nil {
		return "", err
	}
	api, opt, err := c.bitableSDK(ctx)
	if err != nil {
		return "", err
	}

	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()

	resp, err := api.Create(ctx, ref.AppToken, ref.TableID, record, opt)
	if err != nil {
		return "", fmt.Errorf("feishu: create record request failed: %w", err)
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when creating record")
	}
	if err := ensureSDKSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return "", errors.New("feishu: create record response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

func (c *Client) updateBitableRecord(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("feishu: record id is empty")
	}
	if len(fields) == 0 {
		return errors.New("feishu: no fields provided for update")
	}
	if err := requireBitableAppTable(ref); err != nil {
		return err
	}
	api, opt, err := c.bitableSDK(ctx)
	if err != nil {
		return err
	}

	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := api.Update(ctx, ref.AppToken, ref.TableID, recordID, record, opt)
	if err != nil {
		return fmt.Errorf("feishu: update record request failed: %w", err)
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when updating record")
	}
	return ensureSDKSuccess("update record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
}
