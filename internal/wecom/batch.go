package wecom

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/leavesync/backend/internal/metrics"
)

// Mode selects the batch-fetch profile.
type Mode int

const (
	// Bulk is the poller profile: concurrency 3 with an adaptive inter-batch
	// delay and per-item retries on upstream throttling.
	Bulk Mode = iota

	// StatusCheck is the checker profile: concurrency 5, fixed 50 ms delay,
	// no retries. The checker tolerates transient misses; the entry simply
	// stays in the index until the next tick.
	StatusCheck
)

const (
	bulkConcurrency  = 3
	bulkBaseDelay    = 100 * time.Millisecond
	bulkMinDelay     = 50 * time.Millisecond
	bulkMaxDelay     = 500 * time.Millisecond
	rateLimitRetries = 3
	checkConcurrency = 5
	checkDelay       = 50 * time.Millisecond
)

// BatchFetcher fetches approval details in bounded-concurrency batches with
// deliberate pauses so the upstream rate limiter stays quiet.
type BatchFetcher struct {
	client *Client
	mode   Mode
	delay  time.Duration
	logger *log.Logger
}

func NewBatchFetcher(client *Client, mode Mode) *BatchFetcher {
	delay := bulkBaseDelay
	if mode == StatusCheck {
		delay = checkDelay
	}
	return &BatchFetcher{
		client: client,
		mode:   mode,
		delay:  delay,
		logger: log.New(log.Writer(), "[BATCH] ", log.LstdFlags),
	}
}

// FetchAll fetches details for every approval number. Per-item failures are
// logged and dropped; the returned map holds only the successes.
func (f *BatchFetcher) FetchAll(ctx context.Context, spNos []string) map[string]*ApprovalDetail {
	out := make(map[string]*ApprovalDetail, len(spNos))
	if len(spNos) == 0 {
		return out
	}

	concurrency := bulkConcurrency
	if f.mode == StatusCheck {
		concurrency = checkConcurrency
	}

	for i := 0; i < len(spNos); i += concurrency {
		if i > 0 {
			if err := sleep(ctx, f.delay); err != nil {
				return out
			}
		}

		end := i + concurrency
		if end > len(spNos) {
			end = len(spNos)
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			throttled bool
		)
		for _, spNo := range spNos[i:end] {
			wg.Add(1)
			go func(spNo string) {
				defer wg.Done()
				detail, sawRateLimit, err := f.fetchOne(ctx, spNo)
				mu.Lock()
				defer mu.Unlock()
				if sawRateLimit {
					throttled = true
				}
				if err != nil {
					f.logger.Printf("⚠️ detail %s failed: %v", spNo, err)
					return
				}
				out[spNo] = detail
			}(spNo)
		}
		wg.Wait()

		if f.mode == Bulk {
			f.adjustDelay(throttled)
		}
	}
	return out
}

// fetchOne fetches a single detail. In Bulk mode a 45009 response is retried
// with 2s/4s/8s back-off before counting as a failure.
func (f *BatchFetcher) fetchOne(ctx context.Context, spNo string) (detail *ApprovalDetail, sawRateLimit bool, err error) {
	for attempt := 0; ; attempt++ {
		detail, err = f.client.ApprovalDetail(ctx, spNo)
		if err == nil || !IsRateLimit(err) {
			return detail, sawRateLimit, err
		}

		sawRateLimit = true
		if f.mode != Bulk || attempt >= rateLimitRetries {
			return nil, sawRateLimit, err
		}
		metrics.RateLimitRetries.Inc()
		backoff := time.Duration(2<<attempt) * time.Second // 2s, 4s, 8s
		f.logger.Printf("⏳ %s throttled, retry %d/%d in %s", spNo, attempt+1, rateLimitRetries, backoff)
		if serr := sleep(ctx, backoff); serr != nil {
			return nil, sawRateLimit, err
		}
	}
}

// adjustDelay doubles the inter-batch delay (capped) after a throttled batch
// and geometrically decays it toward the floor after a clean one.
func (f *BatchFetcher) adjustDelay(throttled bool) {
	if throttled {
		f.delay *= 2
		if f.delay > bulkMaxDelay {
			f.delay = bulkMaxDelay
		}
		return
	}
	f.delay = f.delay * 3 / 4
	if f.delay < bulkMinDelay {
		f.delay = bulkMinDelay
	}
}
