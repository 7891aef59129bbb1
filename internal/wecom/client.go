// Package wecom is the HTTPS client for the WeCom approval platform: token
// issuance with caching, windowed approval-list queries, approval-detail
// fetches, and cached user/department lookups.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/leavesync/backend/internal/circuitbreaker"
	"github.com/leavesync/backend/internal/metrics"
)

const (
	// MaxWindowSeconds is the largest list window upstream accepts: 31 days.
	MaxWindowSeconds = 31 * 24 * 3600

	// UnknownLabel is what callers store when a user or department lookup
	// fails; the upstream directory is Chinese-language.
	UnknownLabel = "未知"

	requestTimeout = 30 * time.Second
	pageSize       = 100
	pagePause      = 200 * time.Millisecond

	// ChunkPause separates consecutive list chunks when a logical window
	// spans more than 31 days.
	ChunkPause = 500 * time.Millisecond

	// recordTypeLeave is the upstream record_type filter value for leave
	// approvals.
	recordTypeLeave = "1"
)

// Client talks to the WeCom API. The token and the user/department maps are
// process-lifetime caches; racing writers only cause redundant lookups.
type Client struct {
	corpID  string
	secret  string
	apiBase string

	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger

	bulk  *BatchFetcher
	check *BatchFetcher

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
	users       map[string]*UserInfo
	departments map[int]string
}

// NewClient builds a client for the given credentials. apiBase has no
// trailing slash, e.g. "https://qyapi.weixin.qq.com/cgi-bin".
func NewClient(corpID, secret, apiBase string) *Client {
	c := &Client{
		corpID:      corpID,
		secret:      secret,
		apiBase:     apiBase,
		httpClient:  &http.Client{Timeout: requestTimeout},
		breaker:     circuitbreaker.New(circuitbreaker.DefaultConfig("wecom-api")),
		logger:      log.New(log.Writer(), "[WECOM] ", log.LstdFlags),
		users:       make(map[string]*UserInfo),
		departments: make(map[int]string),
	}
	c.bulk = NewBatchFetcher(c, Bulk)
	c.check = NewBatchFetcher(c, StatusCheck)
	return c
}

// BulkDetails fetches details with the poller profile. The adaptive
// inter-batch delay carries across cycles.
func (c *Client) BulkDetails(ctx context.Context, spNos []string) map[string]*ApprovalDetail {
	return c.bulk.FetchAll(ctx, spNos)
}

// CheckDetails fetches details with the status-checker profile.
func (c *Client) CheckDetails(ctx context.Context, spNos []string) map[string]*ApprovalDetail {
	return c.check.FetchAll(ctx, spNos)
}

type errEnvelope struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Token returns a cached access token while more than 5 minutes of lifetime
// remain, re-issuing it otherwise.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.RUnlock()
	if token != "" && time.Until(expiry) > 5*time.Minute {
		return token, nil
	}

	var resp struct {
		errEnvelope
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	q := url.Values{"corpid": {c.corpID}, "corpsecret": {c.secret}}
	if err := c.get(ctx, "gettoken", "/gettoken?"+q.Encode(), &resp); err != nil {
		return "", err
	}
	if resp.ErrCode != 0 {
		return "", &AuthError{Code: resp.ErrCode, Message: resp.ErrMsg}
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return resp.AccessToken, nil
}

// ListApprovals returns the approval numbers of leave records submitted in
// [startUnix, endUnix]. The window must not exceed 31 days; wider logical
// windows go through SplitRange first.
func (c *Client) ListApprovals(ctx context.Context, startUnix, endUnix int64) ([]string, error) {
	if endUnix <= startUnix {
		return nil, &RangeError{Message: fmt.Sprintf("invalid window [%d, %d]", startUnix, endUnix)}
	}
	if endUnix-startUnix > MaxWindowSeconds {
		return nil, &RangeError{Message: fmt.Sprintf("window [%d, %d] exceeds 31 days", startUnix, endUnix)}
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	var spNos []string
	cursor := ""
	for page := 0; ; page++ {
		if page > 0 {
			if err := sleep(ctx, pagePause); err != nil {
				return nil, err
			}
		}

		body := map[string]interface{}{
			"starttime":  strconv.FormatInt(startUnix, 10),
			"endtime":    strconv.FormatInt(endUnix, 10),
			"new_cursor": cursor,
			"size":       pageSize,
			"filters": []map[string]string{
				{"key": "record_type", "value": recordTypeLeave},
			},
		}
		var resp struct {
			errEnvelope
			SpNoList      []string `json:"sp_no_list"`
			NewNextCursor string   `json:"new_next_cursor"`
		}
		if err := c.post(ctx, "getapprovalinfo", "/oa/getapprovalinfo?access_token="+url.QueryEscape(token), body, &resp); err != nil {
			return nil, err
		}
		if err := apiError(resp.ErrCode, resp.ErrMsg); err != nil {
			return nil, err
		}

		spNos = append(spNos, resp.SpNoList...)
		if resp.NewNextCursor == "" {
			break
		}
		cursor = resp.NewNextCursor
	}
	return spNos, nil
}

// ApprovalDetail fetches the detail record for one approval number.
func (c *Client) ApprovalDetail(ctx context.Context, spNo string) (*ApprovalDetail, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		errEnvelope
		Info *ApprovalDetail `json:"info"`
	}
	body := map[string]string{"sp_no": spNo}
	if err := c.post(ctx, "getapprovaldetail", "/oa/getapprovaldetail?access_token="+url.QueryEscape(token), body, &resp); err != nil {
		return nil, err
	}
	if err := apiError(resp.ErrCode, resp.ErrMsg); err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, &APIError{Code: -1, Message: "detail response had no info object"}
	}
	return resp.Info, nil
}

// User looks up a user by ID. Results are cached for the process lifetime;
// failures are logged and reported as nil so callers can fall back to the
// unknown label.
func (c *Client) User(ctx context.Context, userid string) *UserInfo {
	c.mu.RLock()
	cached := c.users[userid]
	c.mu.RUnlock()
	if cached != nil {
		return cached
	}

	token, err := c.Token(ctx)
	if err != nil {
		c.logger.Printf("⚠️ user lookup %s: token: %v", userid, err)
		return nil
	}

	var resp struct {
		errEnvelope
		UserInfo
	}
	q := url.Values{"access_token": {token}, "userid": {userid}}
	if err := c.get(ctx, "user_get", "/user/get?"+q.Encode(), &resp); err != nil {
		c.logger.Printf("⚠️ user lookup %s failed: %v", userid, err)
		return nil
	}
	if resp.ErrCode != 0 {
		c.logger.Printf("⚠️ user lookup %s: errcode=%d %s", userid, resp.ErrCode, resp.ErrMsg)
		return nil
	}

	info := resp.UserInfo
	info.UserID = userid
	c.mu.Lock()
	c.users[userid] = &info
	c.mu.Unlock()
	return &info
}

// Department resolves a department ID to its name, cached for the process
// lifetime. Returns "" on failure.
func (c *Client) Department(ctx context.Context, deptID int) string {
	c.mu.RLock()
	cached := c.departments[deptID]
	c.mu.RUnlock()
	if cached != "" {
		return cached
	}

	token, err := c.Token(ctx)
	if err != nil {
		c.logger.Printf("⚠️ department lookup %d: token: %v", deptID, err)
		return ""
	}

	var resp struct {
		errEnvelope
		Department struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"department"`
	}
	q := url.Values{"access_token": {token}, "id": {strconv.Itoa(deptID)}}
	if err := c.get(ctx, "department_get", "/department/get?"+q.Encode(), &resp); err != nil {
		c.logger.Printf("⚠️ department lookup %d failed: %v", deptID, err)
		return ""
	}
	if resp.ErrCode != 0 {
		c.logger.Printf("⚠️ department lookup %d: errcode=%d %s", deptID, resp.ErrCode, resp.ErrMsg)
		return ""
	}

	c.mu.Lock()
	c.departments[deptID] = resp.Department.Name
	c.mu.Unlock()
	return resp.Department.Name
}

// EmployeeProfile resolves the display name and main department name for a
// user, falling back to the unknown label when either lookup fails.
func (c *Client) EmployeeProfile(ctx context.Context, userid string) (name, department string) {
	name, department = UnknownLabel, UnknownLabel
	user := c.User(ctx, userid)
	if user == nil {
		return
	}
	if user.Name != "" {
		name = user.Name
	}
	deptID := user.MainDepartment
	if deptID == 0 && len(user.Department) > 0 {
		deptID = user.Department[0]
	}
	if deptID != 0 {
		if d := c.Department(ctx, deptID); d != "" {
			department = d
		}
	}
	return
}

// SplitRange splits [startUnix, endUnix] into non-overlapping chunks of at
// most 31 days with 1-second boundaries between them.
func SplitRange(startUnix, endUnix int64) [][2]int64 {
	var chunks [][2]int64
	for cur := startUnix; cur < endUnix; {
		chunkEnd := cur + MaxWindowSeconds
		if chunkEnd > endUnix {
			chunkEnd = endUnix
		}
		chunks = append(chunks, [2]int64{cur, chunkEnd})
		cur = chunkEnd + 1
	}
	return chunks
}

func (c *Client) get(ctx context.Context, endpoint, path string, out interface{}) error {
	return c.do(ctx, endpoint, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &APIError{Code: -1, Message: "marshal request: " + err.Error()}
	}
	return c.do(ctx, endpoint, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, out interface{}) error {
	err := c.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
		if err != nil {
			return &APIError{Code: -1, Message: err.Error()}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &APIError{Code: -1, Message: err.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &APIError{Code: resp.StatusCode, Message: "unexpected HTTP status " + resp.Status}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Code: -1, Message: "decode response: " + err.Error()}
		}
		return nil
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.UpstreamRequests.WithLabelValues(endpoint, result).Inc()
	return err
}

// sleep waits d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
