// Package syncer implements the approval-sync engine: one shared leave
// document and one active-approval index, written by three converging update
// sources (incremental poller, status checker, push callbacks) under a
// single non-blocking process lock with an idempotent merge rule.
package syncer

import (
	"context"
	"log"
	"time"

	"github.com/leavesync/backend/internal/events"
	"github.com/leavesync/backend/internal/metrics"
	"github.com/leavesync/backend/internal/store"
	"github.com/leavesync/backend/internal/wecom"
)

// Upstream is the slice of the WeCom client the engine consumes. The HTTP
// client satisfies it in production; tests substitute a stub.
type Upstream interface {
	ListApprovals(ctx context.Context, startUnix, endUnix int64) ([]string, error)
	ApprovalDetail(ctx context.Context, spNo string) (*wecom.ApprovalDetail, error)
	BulkDetails(ctx context.Context, spNos []string) map[string]*wecom.ApprovalDetail
	CheckDetails(ctx context.Context, spNos []string) map[string]*wecom.ApprovalDetail
	EmployeeProfile(ctx context.Context, userid string) (name, department string)
}

// Engine owns every write path into the leave store and the active index.
type Engine struct {
	upstream Upstream
	leaves   *store.LeaveStore
	index    *store.ActiveIndexStore
	cursor   *store.CursorStore
	lock     *Lock
	bus      *events.Bus
	logger   *log.Logger

	chunkPause time.Duration
}

func NewEngine(up Upstream, leaves *store.LeaveStore, index *store.ActiveIndexStore, cursor *store.CursorStore, lock *Lock, bus *events.Bus) *Engine {
	return &Engine{
		upstream:   up,
		leaves:     leaves,
		index:      index,
		cursor:     cursor,
		lock:       lock,
		bus:        bus,
		logger:     log.New(log.Writer(), "[SYNC] ", log.LstdFlags),
		chunkPause: wecom.ChunkPause,
	}
}

// Lock exposes the sync lock to the callback handler.
func (e *Engine) Lock() *Lock { return e.lock }

// parsedApproval is an approval detail with its mapped status and derived
// date slots.
type parsedApproval struct {
	detail *wecom.ApprovalDetail
	status wecom.Status
	slots  []string
}

// RunSyncCycle executes one incremental poll over the window between the
// cursor and now. Returns ErrLockBusy without doing anything when another
// writer holds the lock. On failure the cursor timestamp stays put so the
// next tick retries the same window.
func (e *Engine) RunSyncCycle(ctx context.Context) error {
	if !e.lock.TryAcquire() {
		e.logger.Printf("⏭ sync skipped, lock busy")
		metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return ErrLockBusy
	}
	defer e.lock.Release()

	cur, err := e.cursor.Load()
	if err != nil {
		metrics.SyncCycles.WithLabelValues("failure").Inc()
		return err
	}

	start := cur.LastSyncEndTimestamp
	end := time.Now().Unix()
	if end <= start {
		return nil
	}

	if err := e.runWindow(ctx, cur, start, end); err != nil {
		cur.FailedSyncs++
		if serr := e.cursor.Save(cur); serr != nil {
			e.logger.Printf("❌ cursor save after failed cycle: %v", serr)
		}
		metrics.SyncCycles.WithLabelValues("failure").Inc()
		e.logger.Printf("❌ sync cycle [%d, %d] failed: %v", start, end, err)
		return err
	}

	metrics.SyncCycles.WithLabelValues("success").Inc()
	return nil
}

func (e *Engine) runWindow(ctx context.Context, cur *store.SyncCursor, start, end int64) error {
	var spNos []string
	seen := make(map[string]bool)
	for i, chunk := range wecom.SplitRange(start, end) {
		if i > 0 {
			if err := sleep(ctx, e.chunkPause); err != nil {
				return err
			}
		}
		nos, err := e.upstream.ListApprovals(ctx, chunk[0], chunk[1])
		if err != nil {
			return err
		}
		for _, n := range nos {
			if !seen[n] {
				seen[n] = true
				spNos = append(spNos, n)
			}
		}
	}

	details := e.upstream.BulkDetails(ctx, spNos)
	parsed := e.parseDetails(details, func(s wecom.Status) bool {
		return s == wecom.StatusPending || s == wecom.StatusApproved
	})

	incoming := e.buildIncoming(ctx, parsed)
	current, err := e.leaves.Load()
	if err != nil {
		return err
	}
	merged, newEmp, updEmp := Merge(current, incoming)
	if err := e.leaves.Save(merged); err != nil {
		return err
	}

	idx, err := e.index.Load()
	if err != nil {
		return err
	}
	inserted := 0
	for _, p := range parsed {
		if p.status != wecom.StatusPending {
			continue
		}
		if p.detail.ApplyTime < idx.Metadata.CutoffTimestamp {
			continue
		}
		if idx.Has(p.detail.SpNo) {
			continue
		}
		rec := e.newRecord(p, merged)
		if err := idx.Insert(rec); err != nil {
			e.logger.Printf("⚠️ index insert %s: %v", p.detail.SpNo, err)
			continue
		}
		inserted++
		e.bus.Publish(events.TypeApprovalCreated, map[string]interface{}{
			"sp_no":  rec.SpNo,
			"userid": rec.UserID,
			"dates":  rec.LeaveDates,
		})
	}
	if err := e.index.Save(idx); err != nil {
		return err
	}
	metrics.ActiveApprovals.Set(float64(len(idx.Approvals)))

	cur.LastSyncEndTimestamp = end
	cur.TotalSynced += len(parsed)
	cur.SuccessfulSyncs++
	if err := e.cursor.Save(cur); err != nil {
		return err
	}

	e.logger.Printf("✅ sync [%d, %d]: %d approvals (%d new employees, %d updated), %d tracked",
		start, end, len(parsed), newEmp, updEmp, inserted)
	e.bus.Publish(events.TypeSyncCompleted, map[string]interface{}{
		"window_start": start,
		"window_end":   end,
		"approvals":    len(parsed),
	})
	return nil
}

// RunStatusCheck re-fetches every approval in the active index and applies
// terminal transitions: stored slots get the final status text and the entry
// leaves the index, atomically under the lock.
func (e *Engine) RunStatusCheck(ctx context.Context) error {
	idx, err := e.index.Load()
	if err != nil {
		metrics.StatusCheckCycles.WithLabelValues("failure").Inc()
		return err
	}
	if len(idx.Approvals) == 0 {
		return nil
	}

	if !e.lock.TryAcquire() {
		e.logger.Printf("⏭ status check skipped, lock busy")
		metrics.StatusCheckCycles.WithLabelValues("skipped").Inc()
		return ErrLockBusy
	}
	defer e.lock.Release()

	// Reload under the lock; another writer may have touched the index
	// between the emptiness check and acquisition.
	idx, err = e.index.Load()
	if err != nil {
		metrics.StatusCheckCycles.WithLabelValues("failure").Inc()
		return err
	}

	spNos := make([]string, 0, len(idx.Approvals))
	for spNo := range idx.Approvals {
		spNos = append(spNos, spNo)
	}
	details := e.upstream.CheckDetails(ctx, spNos)

	doc, err := e.leaves.Load()
	if err != nil {
		metrics.StatusCheckCycles.WithLabelValues("failure").Inc()
		return err
	}

	slotsChanged := false
	finalized := 0
	for spNo, rec := range idx.Approvals {
		detail, ok := details[spNo]
		if !ok {
			// Transient miss; the entry stays for the next tick.
			continue
		}
		status, ok := wecom.StatusFromCode(detail.SpStatus)
		if !ok {
			continue
		}
		if int(status) == rec.CurrentStatus {
			rec.Touch()
			continue
		}

		text := status.Text()
		for _, slot := range rec.LeaveDates {
			doc.SetSlot(rec.UserID, slot, text)
		}
		slotsChanged = true

		if status.Terminal() {
			delete(idx.Approvals, spNo)
			finalized++
			e.bus.Publish(events.TypeApprovalFinalized, map[string]interface{}{
				"sp_no":  spNo,
				"userid": rec.UserID,
				"status": text,
			})
		} else {
			rec.CurrentStatus = int(status)
			rec.StatusText = text
			rec.Touch()
		}
	}

	if slotsChanged {
		if err := e.leaves.Save(doc); err != nil {
			metrics.StatusCheckCycles.WithLabelValues("failure").Inc()
			return err
		}
	}
	if err := e.index.Save(idx); err != nil {
		metrics.StatusCheckCycles.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ActiveApprovals.Set(float64(len(idx.Approvals)))
	metrics.StatusCheckCycles.WithLabelValues("success").Inc()

	if finalized > 0 {
		e.logger.Printf("✅ status check: %d finalized, %d still pending", finalized, len(idx.Approvals))
	}
	return nil
}

// DispatchApproval applies one push-callback event. The callback status is
// only a hint; the freshly fetched detail is authoritative. The caller must
// hold the sync lock.
func (e *Engine) DispatchApproval(ctx context.Context, spNo string) error {
	detail, err := e.upstream.ApprovalDetail(ctx, spNo)
	if err != nil {
		return err
	}
	status, ok := wecom.StatusFromCode(detail.SpStatus)
	if !ok {
		e.logger.Printf("⚠️ %s: unknown status code %d, skipping", spNo, detail.SpStatus)
		return nil
	}

	idx, err := e.index.Load()
	if err != nil {
		return err
	}

	switch {
	case status == wecom.StatusPending:
		return e.dispatchPending(ctx, detail, idx)
	case status == wecom.StatusApproved:
		return e.dispatchApproved(ctx, detail, idx)
	default:
		return e.dispatchTerminal(ctx, detail, status, idx)
	}
}

func (e *Engine) dispatchPending(ctx context.Context, detail *wecom.ApprovalDetail, idx *store.ActiveIndex) error {
	slots, err := wecom.GenerateDateSlots(detail)
	if err != nil {
		e.logger.Printf("⚠️ %s: %v, skipping", detail.SpNo, err)
		return nil
	}
	p := parsedApproval{detail: detail, status: wecom.StatusPending, slots: slots}

	merged, err := e.mergeAndSave(ctx, []parsedApproval{p})
	if err != nil {
		return err
	}

	if detail.ApplyTime < idx.Metadata.CutoffTimestamp || idx.Has(detail.SpNo) {
		return nil
	}
	rec := e.newRecord(p, merged)
	if err := idx.Insert(rec); err != nil {
		e.logger.Printf("⚠️ index insert %s: %v", detail.SpNo, err)
		return nil
	}
	if err := e.index.Save(idx); err != nil {
		return err
	}
	metrics.ActiveApprovals.Set(float64(len(idx.Approvals)))
	e.bus.Publish(events.TypeApprovalCreated, map[string]interface{}{
		"sp_no":  rec.SpNo,
		"userid": rec.UserID,
		"dates":  rec.LeaveDates,
	})
	return nil
}

func (e *Engine) dispatchApproved(ctx context.Context, detail *wecom.ApprovalDetail, idx *store.ActiveIndex) error {
	if rec, ok := idx.Approvals[detail.SpNo]; ok {
		// Fast path: the stored slots are everything we need.
		return e.finalize(idx, rec, wecom.StatusApproved)
	}

	// Slow path: never tracked (approved before we saw it pending).
	slots, err := wecom.GenerateDateSlots(detail)
	if err != nil {
		e.logger.Printf("⚠️ %s: %v, skipping", detail.SpNo, err)
		return nil
	}
	p := parsedApproval{detail: detail, status: wecom.StatusApproved, slots: slots}
	_, err = e.mergeAndSave(ctx, []parsedApproval{p})
	return err
}

func (e *Engine) dispatchTerminal(ctx context.Context, detail *wecom.ApprovalDetail, status wecom.Status, idx *store.ActiveIndex) error {
	if rec, ok := idx.Approvals[detail.SpNo]; ok {
		return e.finalize(idx, rec, status)
	}

	// Untracked terminal event: re-parse the fresh detail and update the
	// employee's slots only if we already know the employee.
	slots, err := wecom.GenerateDateSlots(detail)
	if err != nil {
		e.logger.Printf("⚠️ %s: %v, skipping", detail.SpNo, err)
		return nil
	}
	applicant := detail.Applicant()
	if applicant == nil {
		e.logger.Printf("⚠️ %s: no applicant, skipping", detail.SpNo)
		return nil
	}

	doc, err := e.leaves.Load()
	if err != nil {
		return err
	}
	if _, known := doc.EmployeeInfo[applicant.UserID]; !known {
		e.logger.Printf("⏭ %s: employee %s unknown, skipping terminal update", detail.SpNo, applicant.UserID)
		return nil
	}
	text := status.Text()
	for _, slot := range slots {
		doc.SetSlot(applicant.UserID, slot, text)
	}
	return e.leaves.Save(doc)
}

// finalize applies a terminal transition for a tracked approval: every
// stored slot takes the terminal status text and the entry leaves the index.
func (e *Engine) finalize(idx *store.ActiveIndex, rec *store.ApprovalRecord, status wecom.Status) error {
	doc, err := e.leaves.Load()
	if err != nil {
		return err
	}
	text := status.Text()
	for _, slot := range rec.LeaveDates {
		doc.SetSlot(rec.UserID, slot, text)
	}
	if err := e.leaves.Save(doc); err != nil {
		return err
	}

	delete(idx.Approvals, rec.SpNo)
	if err := e.index.Save(idx); err != nil {
		return err
	}
	metrics.ActiveApprovals.Set(float64(len(idx.Approvals)))
	e.bus.Publish(events.TypeApprovalFinalized, map[string]interface{}{
		"sp_no":  rec.SpNo,
		"userid": rec.UserID,
		"status": text,
	})
	return nil
}

// parseDetails maps raw details to parsed approvals, keeping only leave
// records whose status passes keep. Per-item parse failures are logged and
// dropped; the batch continues.
func (e *Engine) parseDetails(details map[string]*wecom.ApprovalDetail, keep func(wecom.Status) bool) []parsedApproval {
	parsed := make([]parsedApproval, 0, len(details))
	for spNo, detail := range details {
		if detail.SpName != "" && detail.SpName != wecom.RecordNameLeave {
			continue
		}
		status, ok := wecom.StatusFromCode(detail.SpStatus)
		if !ok || !keep(status) {
			continue
		}
		slots, err := wecom.GenerateDateSlots(detail)
		if err != nil {
			e.logger.Printf("⚠️ %s: %v, skipping", spNo, err)
			continue
		}
		parsed = append(parsed, parsedApproval{detail: detail, status: status, slots: slots})
	}
	return parsed
}

// buildIncoming shapes parsed approvals into a merge payload, resolving each
// applicant's name and department through the upstream directory caches.
func (e *Engine) buildIncoming(ctx context.Context, parsed []parsedApproval) *store.LeaveDocument {
	incoming := store.NewLeaveDocument()
	for _, p := range parsed {
		applicant := p.detail.Applicant()
		if applicant == nil {
			e.logger.Printf("⚠️ %s: no applicant, skipping", p.detail.SpNo)
			continue
		}
		name, dept := e.upstream.EmployeeProfile(ctx, applicant.UserID)
		incoming.EmployeeInfo[applicant.UserID] = store.Employee{Name: name, Department: dept}

		text := p.status.Text()
		for _, slot := range p.slots {
			incoming.SetSlot(applicant.UserID, slot, text)
		}
	}
	return incoming
}

// mergeAndSave loads the current document, merges the parsed approvals in
// and persists the result. Returns the merged document.
func (e *Engine) mergeAndSave(ctx context.Context, parsed []parsedApproval) (*store.LeaveDocument, error) {
	incoming := e.buildIncoming(ctx, parsed)
	current, err := e.leaves.Load()
	if err != nil {
		return nil, err
	}
	merged, _, _ := Merge(current, incoming)
	if err := e.leaves.Save(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// newRecord builds the active-index entry for a pending approval, carrying
// enough state to finalize later without another detail fetch.
func (e *Engine) newRecord(p parsedApproval, doc *store.LeaveDocument) *store.ApprovalRecord {
	applicant := p.detail.Applicant()
	userid := ""
	if applicant != nil {
		userid = applicant.UserID
	}
	emp := doc.EmployeeInfo[userid]
	rec := &store.ApprovalRecord{
		SpNo:          p.detail.SpNo,
		UserID:        userid,
		Name:          emp.Name,
		Department:    emp.Department,
		ApplyTime:     p.detail.ApplyTime,
		SubmitTime:    time.Unix(p.detail.ApplyTime, 0).Format(time.RFC3339),
		CurrentStatus: int(wecom.StatusPending),
		StatusText:    wecom.StatusPending.Text(),
		LeaveDates:    p.slots,
	}
	rec.Touch()
	return rec
}

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
