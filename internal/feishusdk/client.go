package feishusdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkauth "github.com/larksuite/oapi-sdk-go/v3/service/auth/v3"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"

	"github.com/screenfleet/ScreenAgent/internal/env"
)

const (
	defaultBaseURL      = "https://open.feishu.cn"
	defaultHTTPTimeout  = 60 * time.Second
	tokenExpiryFallback = 60 * time.Minute
)

// bitableAppTableRecordAPI is the seam between our fleet board logic and the
// lark SDK; tests substitute a fake instead of round-tripping to Feishu.
type bitableAppTableRecordAPI interface {
	Search(ctx context.Context, appToken, tableID string, pageSize int, pageToken string, body *larkbitable.SearchAppTableRecordReqBody, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type larkAppTableRecordService interface {
	Search(ctx context.Context, req *larkbitable.SearchAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkBitableAppTableRecordAPI struct {
	svc larkAppTableRecordService
}

func (a sdkBitableAppTableRecordAPI) Search(ctx context.Context, appToken, tableID string, pageSize int, pageToken string, body *larkbitable.SearchAppTableRecordReqBody, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error) {
	builder := larkbitable.NewSearchAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		PageSize(pageSize)
	if strings.TrimSpace(pageToken) != "" {
		builder.PageToken(strings.TrimSpace(pageToken))
	}
	if body != nil {
		builder.Body(body)
	}
	return a.svc.Search(ctx, builder.Build(), options...)
}

func (a sdkBitableAppTableRecordAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.svc.Create(ctx, req, options...)
}

func (a sdkBitableAppTableRecordAPI) Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error) {
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		RecordId(recordID).
		AppTableRecord(record).
		Build()
	return a.svc.Update(ctx, req, options...)
}

// Client wraps the Feishu bitable operations needed by the fleet board sync.
type Client struct {
	appID     string
	appSecret string

	baseURL    string
	larkClient *lark.Client
	httpClient *http.Client

	bitableAPI bitableAppTableRecordAPI

	tokenMu       sync.Mutex
	tenantToken   string
	tokenExpireAt time.Time
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Required variables:
//   - FEISHU_APP_ID
//   - FEISHU_APP_SECRET
//
// Optional variables:
//   - FEISHU_BASE_URL (defaults to https://open.feishu.cn)
func NewClientFromEnv() (*Client, error) {
	appID := env.String("FEISHU_APP_ID", "")
	appSecret := env.String("FEISHU_APP_SECRET", "")
	baseURL := env.String("FEISHU_BASE_URL", "")

	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set in environment")
	}

	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL != "" && baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}

	client := lark.NewClient(appID, appSecret, opts...)

	return &Client{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    baseURL,
		larkClient: client,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		bitableAPI: sdkBitableAppTableRecordAPI{
			svc: client.Bitable.V1.AppTableRecord,
		},
	}, nil
}

// getTenantAccessToken retrieves (and caches) a tenant_access_token.
func (c *Client) getTenantAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.tenantToken != "" && time.Now().Before(c.tokenExpireAt.Add(-30*time.Second)) {
		return c.tenantToken, nil
	}

	body := larkauth.NewInternalTenantAccessTokenReqBodyBuilder().
		AppId(c.appID).
		AppSecret(c.appSecret).
		Build()

	req := larkauth.NewInternalTenantAccessTokenReqBuilder().
		Body(body).
		Build()

	resp, err := c.larkClient.Auth.V3.TenantAccessToken.Internal(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu: request tenant access token failed: %w", err)
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when fetching tenant access token")
	}

	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(resp.ApiResp.RawBody, &parsed); err != nil {
		return "", fmt.Errorf("feishu: decode tenant access token response: %w", err)
	}
	if parsed.Code != 0 {
		return "", fmt.Errorf("feishu: tenant access token error code=%d msg=%s", parsed.Code, parsed.Msg)
	}
	if parsed.TenantAccessToken == "" {
		return "", errors.New("feishu: tenant access token missing in response")
	}

	ttl := time.Duration(parsed.Expire) * time.Second
	if ttl <= 0 {
		ttl = tokenExpiryFallback
	}

	c.tenantToken = parsed.TenantAccessToken
	c.tokenExpireAt = time.Now().Add(ttl)

	return c.tenantToken, nil
}

func (c *Client) bitableAppTableRecord() bitableAppTableRecordAPI {
	if c == nil {
		return nil
	}
	if c.bitableAPI != nil {
		return c.bitableAPI
	}
	if c.larkClient == nil {
		return nil
	}
	return sdkBitableAppTableRecordAPI{svc: c.larkClient.Bitable.V1.AppTableRecord}
}

func (c *Client) bitableSDK(ctx context.Context) (bitableAppTableRecordAPI, larkcore.RequestOptionFunc, error) {
	if c == nil {
		return nil, nil, errors.New("feishu: client is nil")
	}
	api := c.bitableAppTableRecord()
	if api == nil {
		return nil, nil, errors.New("feishu: bitable sdk client is nil")
	}
	token, err := c.getTenantAccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	return api, larkcore.WithTenantAccessToken(token), nil
}
