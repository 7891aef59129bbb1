// Package callback receives WeCom push notifications: it verifies and
// decrypts events, filters and classifies them, and hands them to the sync
// engine. Events arriving while the sync lock is busy wait in a short drain
// queue instead of being dropped.
package callback

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/leavesync/backend/internal/events"
	"github.com/leavesync/backend/internal/metrics"
	"github.com/leavesync/backend/internal/store"
	"github.com/leavesync/backend/internal/syncer"
	"github.com/leavesync/backend/internal/wecom"
	"github.com/leavesync/backend/internal/wecomcrypto"
)

const (
	// drainInterval is how often the queue is retried against the lock.
	drainInterval = 2 * time.Second

	// statuChangeComment is the StatuChangeEvent code for a comment being
	// added; comments never change approval state.
	statuChangeComment = 10

	dispatchTimeout = 2 * time.Minute
)

type queueItem struct {
	spNo   string
	status int
}

// Handler serves GET /callback (URL verification) and POST /callback
// (events). POST always answers the literal body "success" so the upstream
// never retries, no matter what happened internally.
type Handler struct {
	codec  *wecomcrypto.Codec
	engine *syncer.Engine
	index  *store.ActiveIndexStore
	bus    *events.Bus
	logger *log.Logger

	mu    sync.Mutex
	queue []queueItem

	drainStop chan struct{}
	drainOnce sync.Once
}

func NewHandler(codec *wecomcrypto.Codec, engine *syncer.Engine, index *store.ActiveIndexStore, bus *events.Bus) *Handler {
	return &Handler{
		codec:     codec,
		engine:    engine,
		index:     index,
		bus:       bus,
		logger:    log.New(log.Writer(), "[CALLBACK] ", log.LstdFlags),
		drainStop: make(chan struct{}),
	}
}

// HandleVerify answers the WeCom URL-verification GET: on a valid signature
// the decrypted echostr is echoed back as the response body. Failures get a
// bare 400 with no hint of which check failed.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sig := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if !h.codec.Verify(sig, timestamp, nonce, echostr) {
		h.logger.Printf("⚠️ URL verification rejected: bad signature")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	plain, err := h.codec.Decrypt(echostr)
	if err != nil {
		h.logger.Printf("⚠️ URL verification rejected: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	w.Write(plain)
}

// HandleEvent processes one pushed event. The response body is always
// exactly "success"; every failure path is logged and swallowed.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	defer io.WriteString(w, "success")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		metrics.CallbackEvents.WithLabelValues("crypto_rejected").Inc()
		return
	}

	q := r.URL.Query()
	encrypted := extractField(string(body), "Encrypt")
	if encrypted == "" || !h.codec.Verify(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), encrypted) {
		h.logger.Printf("⚠️ event rejected: bad signature")
		metrics.CallbackEvents.WithLabelValues("crypto_rejected").Inc()
		return
	}
	plain, err := h.codec.Decrypt(encrypted)
	if err != nil {
		h.logger.Printf("⚠️ event rejected: %v", err)
		metrics.CallbackEvents.WithLabelValues("crypto_rejected").Inc()
		return
	}

	evt := parseApprovalEvent(string(plain))
	if evt.SpNo == "" {
		metrics.CallbackEvents.WithLabelValues("ignored").Inc()
		return
	}
	h.bus.Publish(events.TypeCallbackReceived, map[string]interface{}{
		"sp_no":  evt.SpNo,
		"status": evt.SpStatus,
	})

	if h.shouldIgnore(evt) {
		metrics.CallbackEvents.WithLabelValues("ignored").Inc()
		return
	}

	if h.engine.Lock().TryAcquire() {
		metrics.CallbackEvents.WithLabelValues("dispatched").Inc()
		go h.dispatchLocked(evt.SpNo)
		return
	}

	h.enqueue(queueItem{spNo: evt.SpNo, status: evt.SpStatus})
	metrics.CallbackEvents.WithLabelValues("queued").Inc()
}

// shouldIgnore applies the early-exit filters: non-leave records, comment
// events, and redundant pending notifications for already-tracked flows.
func (h *Handler) shouldIgnore(evt approvalEvent) bool {
	if evt.SpName != "" && evt.SpName != wecom.RecordNameLeave {
		return true
	}
	if evt.StatuChangeEvent == statuChangeComment {
		return true
	}
	if evt.SpStatus == int(wecom.StatusPending) {
		idx, err := h.index.Load()
		if err == nil && idx.Has(evt.SpNo) {
			// An intermediate step inside a flow we already track.
			return true
		}
	}
	return false
}

// dispatchLocked runs one dispatch on a worker goroutine. The caller has
// already acquired the sync lock; this releases it.
func (h *Handler) dispatchLocked(spNo string) {
	defer h.engine.Lock().Release()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := h.engine.DispatchApproval(ctx, spNo); err != nil {
		h.logger.Printf("❌ dispatch %s: %v", spNo, err)
	}
}

func (h *Handler) enqueue(item queueItem) {
	h.mu.Lock()
	h.queue = append(h.queue, item)
	depth := len(h.queue)
	h.mu.Unlock()
	metrics.CallbackQueueDepth.Set(float64(depth))
	h.logger.Printf("📥 queued %s (status hint %d), queue depth %d", item.spNo, item.status, depth)
}

// StartDrain launches the queue-drain ticker. Call only when callback
// credentials are configured.
func (h *Handler) StartDrain() {
	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.drainStop:
				return
			case <-ticker.C:
				h.drain()
			}
		}
	}()
}

// StopDrain stops the ticker. Safe to call more than once.
func (h *Handler) StopDrain() {
	h.drainOnce.Do(func() { close(h.drainStop) })
}

// drain dispatches the queued events if the lock is free, deduplicated by
// approval number keeping only the latest status hint.
func (h *Handler) drain() {
	h.mu.Lock()
	if len(h.queue) == 0 {
		h.mu.Unlock()
		return
	}
	if !h.engine.Lock().TryAcquire() {
		h.mu.Unlock()
		return
	}
	pending := h.queue
	h.queue = nil
	h.mu.Unlock()
	metrics.CallbackQueueDepth.Set(0)

	defer h.engine.Lock().Release()

	// Keep the newest entry per approval, preserving arrival order of the
	// last occurrence.
	latest := make(map[string]int, len(pending))
	var order []string
	for _, item := range pending {
		if _, ok := latest[item.spNo]; !ok {
			order = append(order, item.spNo)
		}
		latest[item.spNo] = item.status
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	for _, spNo := range order {
		if err := h.engine.DispatchApproval(ctx, spNo); err != nil {
			h.logger.Printf("❌ drain dispatch %s: %v", spNo, err)
		}
	}
	h.logger.Printf("📤 drained %d queued events (%d after dedup)", len(pending), len(order))
}
