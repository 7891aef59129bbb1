// Package holiday enriches the leave calendar with the public-holiday map
// for a year. Results are cached per year and refreshed at most once per
// calendar day; a lost cache race only costs one extra HTTP call.
package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// DayInfo describes one calendar day: a rest day, a named public holiday, or
// a compensating work day.
type DayInfo struct {
	Holiday bool   `json:"holiday"`
	Name    string `json:"name"`
	Wage    int    `json:"wage"`
}

type yearEntry struct {
	days      map[string]DayInfo
	fetchedOn string // yyyy-mm-dd, for the once-per-day refresh rule
}

// Service fetches and caches holiday calendars.
type Service struct {
	apiBase    string
	httpClient *http.Client
	logger     *log.Logger

	mu    sync.RWMutex
	years map[int]yearEntry
}

func NewService(apiBase string) *Service {
	return &Service{
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[HOLIDAY] ", log.LstdFlags),
		years:      make(map[int]yearEntry),
	}
}

// Year returns the day-by-day map for a year, keyed "MM-DD".
func (s *Service) Year(ctx context.Context, year int) (map[string]DayInfo, error) {
	today := time.Now().Format("2006-01-02")

	s.mu.RLock()
	entry, ok := s.years[year]
	s.mu.RUnlock()
	if ok && entry.fetchedOn == today {
		return entry.days, nil
	}

	days, err := s.fetch(ctx, year)
	if err != nil {
		if ok {
			// Keep serving yesterday's data rather than failing the read.
			s.logger.Printf("⚠️ refresh %d failed, serving cached: %v", year, err)
			return entry.days, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.years[year] = yearEntry{days: days, fetchedOn: today}
	s.mu.Unlock()
	return days, nil
}

func (s *Service) fetch(ctx context.Context, year int) (map[string]DayInfo, error) {
	url := fmt.Sprintf("%s/year/%d", s.apiBase, year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("holiday api returned %s", resp.Status)
	}

	var payload struct {
		Code    int                `json:"code"`
		Holiday map[string]DayInfo `json:"holiday"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if payload.Code != 0 {
		return nil, fmt.Errorf("holiday api returned code %d", payload.Code)
	}
	return payload.Holiday, nil
}
