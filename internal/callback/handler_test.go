package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leavesync/backend/internal/events"
	"github.com/leavesync/backend/internal/store"
	"github.com/leavesync/backend/internal/syncer"
	"github.com/leavesync/backend/internal/wecom"
	"github.com/leavesync/backend/internal/wecomcrypto"
)

const (
	testToken    = "cb-token"
	testKey      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"
	testReceiver = "ww1234567890abcdef"
)

// stubUpstream serves approval details from memory and counts fetches.
type stubUpstream struct {
	mu      sync.Mutex
	details map[string]*wecom.ApprovalDetail
	fetches map[string]int
}

func newStubUpstream() *stubUpstream {
	return &stubUpstream{
		details: make(map[string]*wecom.ApprovalDetail),
		fetches: make(map[string]int),
	}
}

func (s *stubUpstream) ListApprovals(ctx context.Context, startUnix, endUnix int64) ([]string, error) {
	return nil, nil
}

func (s *stubUpstream) ApprovalDetail(ctx context.Context, spNo string) (*wecom.ApprovalDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[spNo]++
	d, ok := s.details[spNo]
	if !ok {
		return nil, &wecom.APIError{Code: 301025, Message: "no such approval"}
	}
	return d, nil
}

func (s *stubUpstream) BulkDetails(ctx context.Context, spNos []string) map[string]*wecom.ApprovalDetail {
	return nil
}

func (s *stubUpstream) CheckDetails(ctx context.Context, spNos []string) map[string]*wecom.ApprovalDetail {
	return nil
}

func (s *stubUpstream) EmployeeProfile(ctx context.Context, userid string) (string, string) {
	return "员工" + userid, "研发部"
}

func (s *stubUpstream) fetchCount(spNo string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[spNo]
}

func (s *stubUpstream) setStatus(spNo string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[spNo].SpStatus = status
}

func leaveDetail(spNo, userid string, status int) *wecom.ApprovalDetail {
	begin := time.Date(2026, time.February, 14, 9, 0, 0, 0, time.Local).Unix()
	end := time.Date(2026, time.February, 14, 18, 0, 0, 0, time.Local).Unix()
	raw := fmt.Sprintf(`{"vacation":{"attendance":{"date_range":{"type":"wholeday","new_begin":%d,"new_end":%d}}}}`, begin, end)
	return &wecom.ApprovalDetail{
		SpNo:      spNo,
		SpName:    wecom.RecordNameLeave,
		SpStatus:  status,
		ApplyTime: time.Now().Unix() - 60,
		Applyer:   &wecom.Applyer{UserID: userid},
		ApplyData: wecom.ApplyData{Contents: []wecom.Content{
			{Control: "Vacation", Value: json.RawMessage(raw)},
		}},
	}
}

type fixture struct {
	handler *Handler
	codec   *wecomcrypto.Codec
	engine  *syncer.Engine
	up      *stubUpstream
	leaves  *store.LeaveStore
	index   *store.ActiveIndexStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	leaves := store.NewLeaveStore(filepath.Join(dir, "leave-data.json"))
	index := store.NewActiveIndexStore(filepath.Join(dir, "active-index.json"), 1000)
	cursor := store.NewCursorStore(filepath.Join(dir, "sync-cursor.json"), time.Now().Unix()-3600)

	codec, err := wecomcrypto.New(testToken, testKey, testReceiver)
	require.NoError(t, err)

	up := newStubUpstream()
	bus := events.NewBus()
	engine := syncer.NewEngine(up, leaves, index, cursor, &syncer.Lock{}, bus)
	return &fixture{
		handler: NewHandler(codec, engine, index, bus),
		codec:   codec,
		engine:  engine,
		up:      up,
		leaves:  leaves,
		index:   index,
	}
}

// postEvent encrypts and signs an approval event and runs it through
// HandleEvent, returning the response body.
func (f *fixture) postEvent(t *testing.T, plainXML string, tamper bool) string {
	t.Helper()
	ct, err := f.codec.Encrypt([]byte(plainXML))
	require.NoError(t, err)

	ts := "1767196800"
	nonce := "nonce-1"
	sig := f.codec.Signature(ts, nonce, ct)
	if tamper {
		sig = "deadbeef" + sig[8:]
	}

	body := `<xml><ToUserName><![CDATA[` + testReceiver + `]]></ToUserName><Encrypt><![CDATA[` + ct + `]]></Encrypt></xml>`
	q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}}
	req := httptest.NewRequest("POST", "/callback?"+q.Encode(), strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.HandleEvent(w, req)
	return w.Body.String()
}

func approvalXML(spNo string, status int) string {
	return fmt.Sprintf(`<xml><ApprovalInfo><SpNo><![CDATA[%s]]></SpNo><SpName><![CDATA[leave]]></SpName><SpStatus>%d</SpStatus></ApprovalInfo></xml>`, spNo, status)
}

func TestHandleVerifyEchoesDecryptedChallenge(t *testing.T) {
	f := newFixture(t)

	echo, err := f.codec.Encrypt([]byte("1693890108300834652"))
	require.NoError(t, err)
	ts, nonce := "1767196800", "n1"
	sig := f.codec.Signature(ts, nonce, echo)

	q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}, "echostr": {echo}}
	req := httptest.NewRequest("GET", "/callback?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	f.handler.HandleVerify(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "1693890108300834652", w.Body.String())
}

func TestHandleVerifyRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	echo, err := f.codec.Encrypt([]byte("challenge"))
	require.NoError(t, err)
	q := url.Values{"msg_signature": {"bogus"}, "timestamp": {"1"}, "nonce": {"n"}, "echostr": {echo}}
	req := httptest.NewRequest("GET", "/callback?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	f.handler.HandleVerify(w, req)

	assert.Equal(t, 400, w.Code)
	assert.NotContains(t, w.Body.String(), "signature", "no hint about which check failed")
}

func TestHandleEventAlwaysAnswersSuccess(t *testing.T) {
	f := newFixture(t)

	// Garbage body, no signature: still "success" so upstream never retries.
	req := httptest.NewRequest("POST", "/callback", strings.NewReader("not xml at all"))
	w := httptest.NewRecorder()
	f.handler.HandleEvent(w, req)
	assert.Equal(t, "success", w.Body.String())

	// Valid envelope but tampered signature: same answer, state untouched.
	body := f.postEvent(t, approvalXML("A1", 1), true)
	assert.Equal(t, "success", body)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.up.fetchCount("A1"), "rejected events must never reach the engine")
	doc, err := f.leaves.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.LeaveData)
}

func TestHandleEventDispatchesPendingThenApproved(t *testing.T) {
	f := newFixture(t)
	f.up.details["A1"] = leaveDetail("A1", "u1", 1)

	assert.Equal(t, "success", f.postEvent(t, approvalXML("A1", 1), false))

	require.Eventually(t, func() bool {
		doc, err := f.leaves.Load()
		return err == nil && doc.LeaveData["u1"]["2026-2.14"] == "Pending"
	}, 3*time.Second, 20*time.Millisecond, "pending event must reach the leave store")

	require.Eventually(t, func() bool { return !f.engine.Lock().IsHeld() }, time.Second, 10*time.Millisecond)
	idx, err := f.index.Load()
	require.NoError(t, err)
	assert.True(t, idx.Has("A1"))

	// Approval arrives; the tracked record finalizes.
	f.up.setStatus("A1", 2)
	assert.Equal(t, "success", f.postEvent(t, approvalXML("A1", 2), false))

	require.Eventually(t, func() bool {
		doc, err := f.leaves.Load()
		return err == nil && doc.LeaveData["u1"]["2026-2.14"] == "Approved"
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		idx, err := f.index.Load()
		return err == nil && !idx.Has("A1")
	}, time.Second, 20*time.Millisecond)
}

func TestHandleEventIgnoresNonLeave(t *testing.T) {
	f := newFixture(t)
	plain := `<xml><ApprovalInfo><SpNo>E1</SpNo><SpName><![CDATA[expense]]></SpName><SpStatus>2</SpStatus></ApprovalInfo></xml>`

	assert.Equal(t, "success", f.postEvent(t, plain, false))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.up.fetchCount("E1"))
}

func TestHandleEventIgnoresCommentEvents(t *testing.T) {
	f := newFixture(t)
	plain := `<xml><ApprovalInfo><SpNo>A1</SpNo><SpName><![CDATA[leave]]></SpName><SpStatus>1</SpStatus><StatuChangeEvent>10</StatuChangeEvent></ApprovalInfo></xml>`

	assert.Equal(t, "success", f.postEvent(t, plain, false))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.up.fetchCount("A1"))
}

func TestHandleEventIgnoresRedundantPending(t *testing.T) {
	f := newFixture(t)

	idx, err := f.index.Load()
	require.NoError(t, err)
	require.NoError(t, idx.Insert(&store.ApprovalRecord{SpNo: "A1", UserID: "u1", ApplyTime: 2000, CurrentStatus: 1}))
	require.NoError(t, f.index.Save(idx))

	// A second pending notification for a tracked flow changes nothing.
	assert.Equal(t, "success", f.postEvent(t, approvalXML("A1", 1), false))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.up.fetchCount("A1"))
}

func TestHandleEventQueuesWhileLocked(t *testing.T) {
	f := newFixture(t)
	f.up.details["A1"] = leaveDetail("A1", "u1", 1)

	require.True(t, f.engine.Lock().TryAcquire())
	assert.Equal(t, "success", f.postEvent(t, approvalXML("A1", 2), false))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.up.fetchCount("A1"), "locked handler must queue, not dispatch")

	f.handler.mu.Lock()
	depth := len(f.handler.queue)
	f.handler.mu.Unlock()
	assert.Equal(t, 1, depth)
	f.engine.Lock().Release()
}

func TestDrainDeduplicatesBySpNo(t *testing.T) {
	f := newFixture(t)
	f.up.details["A1"] = leaveDetail("A1", "u1", 3)
	f.up.details["A2"] = leaveDetail("A2", "u2", 2)

	// Hold the lock so three events pile up: two for A1, one for A2.
	require.True(t, f.engine.Lock().TryAcquire())
	f.postEvent(t, approvalXML("A1", 2), false)
	f.postEvent(t, approvalXML("A1", 3), false)
	f.postEvent(t, approvalXML("A2", 2), false)
	f.engine.Lock().Release()

	f.handler.drain()

	assert.Equal(t, 1, f.up.fetchCount("A1"), "duplicate queue entries collapse to one dispatch")
	assert.Equal(t, 1, f.up.fetchCount("A2"))

	f.handler.mu.Lock()
	assert.Empty(t, f.handler.queue)
	f.handler.mu.Unlock()
	assert.False(t, f.engine.Lock().IsHeld())
}

func TestDrainSkipsWhileLocked(t *testing.T) {
	f := newFixture(t)
	f.up.details["A1"] = leaveDetail("A1", "u1", 2)

	require.True(t, f.engine.Lock().TryAcquire())
	f.postEvent(t, approvalXML("A1", 2), false)

	f.handler.drain()
	assert.Zero(t, f.up.fetchCount("A1"))

	f.handler.mu.Lock()
	assert.Len(t, f.handler.queue, 1, "the queue survives a busy drain tick")
	f.handler.mu.Unlock()
	f.engine.Lock().Release()
}

func TestStopDrainIdempotent(t *testing.T) {
	f := newFixture(t)
	f.handler.StartDrain()
	f.handler.StopDrain()
	f.handler.StopDrain()
}
