package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrTooSoon guards the manual trigger: at most one manual sync per 10 s.
var ErrTooSoon = errors.New("sync triggered too recently")

const (
	// initialSyncDelay lets the process settle before the first poll.
	initialSyncDelay = 5 * time.Second

	// cycleTimeout bounds one scheduled cycle end to end.
	cycleTimeout = 10 * time.Minute

	manualCooldown = 10 * time.Second
)

// Scheduler drives the incremental poller and the status checker on
// independent cron schedules and exposes the control-plane operations.
type Scheduler struct {
	engine    *Engine
	cron      *cron.Cron
	logger    *log.Logger
	syncSpec  string
	checkSpec string

	mu           sync.Mutex
	syncEntry    cron.EntryID // 0 while stopped
	checkEntry   cron.EntryID
	lastManual   time.Time
	initialTimer *time.Timer
}

func NewScheduler(engine *Engine, syncSpec, checkSpec string) *Scheduler {
	return &Scheduler{
		engine:    engine,
		cron:      cron.New(),
		logger:    log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		syncSpec:  syncSpec,
		checkSpec: checkSpec,
	}
}

// Start launches the cron runner and schedules whichever jobs are enabled.
// When auto-sync is on, one cycle also runs shortly after startup.
func (s *Scheduler) Start(autoSync, statusCheck bool) error {
	s.cron.Start()
	if autoSync {
		if err := s.StartSyncScheduler(); err != nil {
			return err
		}
		s.mu.Lock()
		s.initialTimer = time.AfterFunc(initialSyncDelay, s.runSync)
		s.mu.Unlock()
	}
	if statusCheck {
		if err := s.StartCheckScheduler(); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts both schedulers. An in-flight cycle finishes; it holds the
// lock and is allowed to complete its writes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.initialTimer != nil {
		s.initialTimer.Stop()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Printf("🛑 schedulers stopped")
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()
	if err := s.engine.RunSyncCycle(ctx); err != nil && !errors.Is(err, ErrLockBusy) {
		s.logger.Printf("❌ scheduled sync: %v", err)
	}
}

func (s *Scheduler) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()
	if err := s.engine.RunStatusCheck(ctx); err != nil && !errors.Is(err, ErrLockBusy) {
		s.logger.Printf("❌ scheduled status check: %v", err)
	}
}

// StartSyncScheduler enables the incremental poller schedule.
func (s *Scheduler) StartSyncScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncEntry != 0 {
		return nil
	}
	id, err := s.cron.AddFunc(s.syncSpec, s.runSync)
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.syncSpec, err)
	}
	s.syncEntry = id
	s.logger.Printf("▶️ incremental sync scheduled (%s)", s.syncSpec)
	return nil
}

// StopSyncScheduler disables the incremental poller schedule.
func (s *Scheduler) StopSyncScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncEntry != 0 {
		s.cron.Remove(s.syncEntry)
		s.syncEntry = 0
		s.logger.Printf("⏸ incremental sync unscheduled")
	}
}

// StartCheckScheduler enables the status-checker schedule.
func (s *Scheduler) StartCheckScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkEntry != 0 {
		return nil
	}
	id, err := s.cron.AddFunc(s.checkSpec, s.runCheck)
	if err != nil {
		return fmt.Errorf("invalid status-check schedule %q: %w", s.checkSpec, err)
	}
	s.checkEntry = id
	s.logger.Printf("▶️ status check scheduled (%s)", s.checkSpec)
	return nil
}

// StopCheckScheduler disables the status-checker schedule.
func (s *Scheduler) StopCheckScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkEntry != 0 {
		s.cron.Remove(s.checkEntry)
		s.checkEntry = 0
		s.logger.Printf("⏸ status check unscheduled")
	}
}

// SetScheduler starts or stops a scheduler by name ("sync" or
// "status-check").
func (s *Scheduler) SetScheduler(name string, run bool) error {
	switch name {
	case "sync":
		if run {
			return s.StartSyncScheduler()
		}
		s.StopSyncScheduler()
	case "status-check":
		if run {
			return s.StartCheckScheduler()
		}
		s.StopCheckScheduler()
	default:
		return fmt.Errorf("unknown scheduler %q", name)
	}
	return nil
}

// TriggerSync runs one incremental cycle on demand. Rejected with ErrTooSoon
// within 10 s of the previous manual trigger and with ErrLockBusy while a
// sync is in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) error {
	s.mu.Lock()
	if time.Since(s.lastManual) < manualCooldown {
		s.mu.Unlock()
		return ErrTooSoon
	}
	s.mu.Unlock()

	err := s.engine.RunSyncCycle(ctx)
	if !errors.Is(err, ErrLockBusy) {
		s.mu.Lock()
		s.lastManual = time.Now()
		s.mu.Unlock()
	}
	return err
}

// TriggerStatusCheck runs one status-check cycle on demand.
func (s *Scheduler) TriggerStatusCheck(ctx context.Context) error {
	return s.engine.RunStatusCheck(ctx)
}

// ResetCursor rewinds the sync cursor to the configured baseline. It goes
// through the sync lock like every other writer.
func (s *Scheduler) ResetCursor() error {
	if !s.engine.lock.TryAcquire() {
		return ErrLockBusy
	}
	defer s.engine.lock.Release()

	cur := s.engine.cursor.Reset()
	if err := s.engine.cursor.Save(cur); err != nil {
		return err
	}
	s.logger.Printf("⏪ cursor reset to %d", cur.LastSyncEndTimestamp)
	return nil
}

// Status assembles the control-plane status document.
func (s *Scheduler) Status() (map[string]interface{}, error) {
	cur, err := s.engine.cursor.Load()
	if err != nil {
		return nil, err
	}
	idx, err := s.engine.index.Load()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	syncRunning := s.syncEntry != 0
	checkRunning := s.checkEntry != 0
	s.mu.Unlock()

	return map[string]interface{}{
		"cursor":                cur,
		"syncSchedulerRunning":  syncRunning,
		"statusCheckerRunning":  checkRunning,
		"syncInterval":          s.syncSpec,
		"statusCheckInterval":   s.checkSpec,
		"syncInProgress":        s.engine.lock.IsHeld(),
		"activeApprovals":       len(idx.Approvals),
		"activeIndexCutoff":     idx.Metadata.CutoffTimestamp,
		"activeIndexCutoffDate": idx.Metadata.CutoffDate,
	}, nil
}
