package store

import "os"

// SyncCursor is the singleton tracking the end of the last successful
// incremental poll window, plus cycle counters. It only ever advances.
type SyncCursor struct {
	LastSyncEndTimestamp int64  `json:"lastSyncEndTimestamp"`
	LastSyncTime         string `json:"lastSyncTime"`
	TotalSynced          int    `json:"totalSynced"`
	SuccessfulSyncs      int    `json:"successfulSyncs"`
	FailedSyncs          int    `json:"failedSyncs"`
}

// CursorStore loads and saves the sync cursor.
type CursorStore struct {
	path     string
	baseline int64
}

// NewCursorStore builds a store whose empty state starts at the configured
// baseline timestamp.
func NewCursorStore(path string, baseline int64) *CursorStore {
	return &CursorStore{path: path, baseline: baseline}
}

// Load reads the cursor, returning a baseline cursor when none exists yet.
func (s *CursorStore) Load() (*SyncCursor, error) {
	var cur SyncCursor
	if err := readJSON(s.path, &cur); err != nil {
		if os.IsNotExist(err) {
			return &SyncCursor{LastSyncEndTimestamp: s.baseline}, nil
		}
		return nil, err
	}
	if cur.LastSyncEndTimestamp == 0 {
		cur.LastSyncEndTimestamp = s.baseline
	}
	return &cur, nil
}

// Save stamps lastSyncTime and atomically persists the cursor.
func (s *CursorStore) Save(cur *SyncCursor) error {
	cur.LastSyncTime = nowISO()
	return writeJSON(s.path, cur)
}

// Reset returns a fresh cursor at the baseline. The caller persists it.
func (s *CursorStore) Reset() *SyncCursor {
	return &SyncCursor{LastSyncEndTimestamp: s.baseline}
}
