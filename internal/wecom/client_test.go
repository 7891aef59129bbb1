package wecom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeUpstream starts an httptest server that issues tokens and dispatches
// the remaining paths to handlers.
func newFakeUpstream(t *testing.T, tokenCalls *int32, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gettoken", func(w http.ResponseWriter, r *http.Request) {
		if tokenCalls != nil {
			atomic.AddInt32(tokenCalls, 1)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errcode":      0,
			"access_token": "tok-1",
			"expires_in":   7200,
		})
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenCached(t *testing.T) {
	var tokenCalls int32
	srv := newFakeUpstream(t, &tokenCalls, nil)
	c := NewClient("corp", "secret", srv.URL)

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "second call must hit the cache")
}

func TestTokenAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gettoken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 40001, "errmsg": "invalid credential"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient("corp", "bad-secret", srv.URL)
	_, err := c.Token(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 40001, authErr.Code)
}

func TestListApprovalsPagination(t *testing.T) {
	var listCalls int32
	srv := newFakeUpstream(t, nil, map[string]http.HandlerFunc{
		"/oa/getapprovalinfo": func(w http.ResponseWriter, r *http.Request) {
			call := atomic.AddInt32(&listCalls, 1)

			var body struct {
				StartTime string `json:"starttime"`
				EndTime   string `json:"endtime"`
				NewCursor string `json:"new_cursor"`
				Size      int    `json:"size"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "1000", body.StartTime)
			assert.Equal(t, "2000", body.EndTime)
			assert.Equal(t, 100, body.Size)

			if call == 1 {
				assert.Empty(t, body.NewCursor)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"errcode":         0,
					"sp_no_list":      []string{"A1", "A2"},
					"new_next_cursor": "cursor-2",
				})
				return
			}
			assert.Equal(t, "cursor-2", body.NewCursor)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errcode":    0,
				"sp_no_list": []string{"A3"},
			})
		},
	})

	c := NewClient("corp", "secret", srv.URL)
	spNos, err := c.ListApprovals(context.Background(), 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2", "A3"}, spNos)
	assert.Equal(t, int32(2), atomic.LoadInt32(&listCalls))
}

func TestListApprovalsRejectsBadWindows(t *testing.T) {
	c := NewClient("corp", "secret", "http://127.0.0.1:0")

	var rangeErr *RangeError
	_, err := c.ListApprovals(context.Background(), 2000, 2000)
	require.ErrorAs(t, err, &rangeErr)

	_, err = c.ListApprovals(context.Background(), 2000, 1000)
	require.ErrorAs(t, err, &rangeErr)

	_, err = c.ListApprovals(context.Background(), 0, MaxWindowSeconds+1)
	require.ErrorAs(t, err, &rangeErr)
}

func TestApprovalDetail(t *testing.T) {
	srv := newFakeUpstream(t, nil, map[string]http.HandlerFunc{
		"/oa/getapprovaldetail": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				SpNo string `json:"sp_no"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.SpNo == "missing" {
				json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 0})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errcode": 0,
				"info": map[string]interface{}{
					"sp_no":     body.SpNo,
					"sp_name":   "leave",
					"sp_status": 2,
					"applyer":   map[string]string{"userid": "u1"},
				},
			})
		},
	})
	c := NewClient("corp", "secret", srv.URL)

	detail, err := c.ApprovalDetail(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", detail.SpNo)
	assert.Equal(t, 2, detail.SpStatus)
	require.NotNil(t, detail.Applicant())
	assert.Equal(t, "u1", detail.Applicant().UserID)

	_, err = c.ApprovalDetail(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestEmployeeProfile(t *testing.T) {
	var userCalls, deptCalls int32
	srv := newFakeUpstream(t, nil, map[string]http.HandlerFunc{
		"/user/get": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&userCalls, 1)
			if r.URL.Query().Get("userid") == "ghost" {
				json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 60111, "errmsg": "userid not found"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errcode":         0,
				"name":            "张三",
				"department":      []int{7, 12},
				"main_department": 12,
			})
		},
		"/department/get": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&deptCalls, 1)
			assert.Equal(t, "12", r.URL.Query().Get("id"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errcode":    0,
				"department": map[string]interface{}{"id": 12, "name": "研发部"},
			})
		},
	})
	c := NewClient("corp", "secret", srv.URL)

	name, dept := c.EmployeeProfile(context.Background(), "u1")
	assert.Equal(t, "张三", name)
	assert.Equal(t, "研发部", dept)

	// Second lookup is served from the cache.
	c.EmployeeProfile(context.Background(), "u1")
	assert.Equal(t, int32(1), atomic.LoadInt32(&userCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&deptCalls))

	// Failed lookups fall back to the unknown label.
	name, dept = c.EmployeeProfile(context.Background(), "ghost")
	assert.Equal(t, UnknownLabel, name)
	assert.Equal(t, UnknownLabel, dept)
}

func TestSplitRange(t *testing.T) {
	// A window of exactly 31 days is one chunk.
	chunks := SplitRange(0, MaxWindowSeconds)
	require.Len(t, chunks, 1)
	assert.Equal(t, [2]int64{0, MaxWindowSeconds}, chunks[0])

	// One second over splits in two, with a 1-second gap between boundaries
	// so no submission is listed twice.
	chunks = SplitRange(0, MaxWindowSeconds+1)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(MaxWindowSeconds), chunks[0][1])
	assert.Equal(t, int64(MaxWindowSeconds+1), chunks[1][0])
	assert.Equal(t, int64(MaxWindowSeconds+1), chunks[1][1])

	// 100 days covers the whole range without overlap.
	start := int64(1_700_000_000)
	end := start + 100*24*3600
	chunks = SplitRange(start, end)
	require.Len(t, chunks, 4)
	assert.Equal(t, start, chunks[0][0])
	assert.Equal(t, end, chunks[len(chunks)-1][1])
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1][1]+1, chunks[i][0])
		assert.LessOrEqual(t, chunks[i][1]-chunks[i][0], int64(MaxWindowSeconds))
	}

	assert.Empty(t, SplitRange(100, 100))
	assert.Empty(t, SplitRange(100, 50))
}
