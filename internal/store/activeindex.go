package store

import (
	"fmt"
	"os"
	"time"
)

// ApprovalRecord is one tracked pending approval. It carries everything a
// terminal transition needs, so the status checker never has to refetch the
// full detail to finalize slots.
type ApprovalRecord struct {
	SpNo            string   `json:"sp_no"`
	UserID          string   `json:"userid"`
	Name            string   `json:"name"`
	Department      string   `json:"department"`
	ApplyTime       int64    `json:"apply_time"`
	SubmitTime      string   `json:"submit_time"`
	CurrentStatus   int      `json:"current_status"`
	StatusText      string   `json:"status_text"`
	LeaveDates      []string `json:"leave_dates"`
	LastChecked     int64    `json:"last_checked"`
	LastCheckedTime string   `json:"last_checked_time"`
}

func (r *ApprovalRecord) clone() *ApprovalRecord {
	out := *r
	out.LeaveDates = append([]string(nil), r.LeaveDates...)
	return &out
}

// Touch stamps the record as just re-checked.
func (r *ApprovalRecord) Touch() {
	now := time.Now()
	r.LastChecked = now.Unix()
	r.LastCheckedTime = now.Format(time.RFC3339)
}

// IndexMetadata carries the tracking cutoff: approvals submitted before it
// are never inserted.
type IndexMetadata struct {
	CutoffTimestamp int64  `json:"cutoffTimestamp"`
	CutoffDate      string `json:"cutoffDate"`
}

// ActiveIndex is the shadow map of currently-pending approvals by approval
// number.
type ActiveIndex struct {
	Metadata  IndexMetadata              `json:"metadata"`
	Approvals map[string]*ApprovalRecord `json:"approvals"`
}

// Insert adds a record, enforcing the cutoff.
func (idx *ActiveIndex) Insert(rec *ApprovalRecord) error {
	if rec.ApplyTime < idx.Metadata.CutoffTimestamp {
		return fmt.Errorf("approval %s submitted at %d, before cutoff %d", rec.SpNo, rec.ApplyTime, idx.Metadata.CutoffTimestamp)
	}
	idx.Approvals[rec.SpNo] = rec
	return nil
}

// Has reports whether an approval number is tracked.
func (idx *ActiveIndex) Has(spNo string) bool {
	_, ok := idx.Approvals[spNo]
	return ok
}

// ActiveIndexStore loads and saves the active index document.
type ActiveIndexStore struct {
	path   string
	cutoff int64
}

func NewActiveIndexStore(path string, cutoff int64) *ActiveIndexStore {
	return &ActiveIndexStore{path: path, cutoff: cutoff}
}

// Load reads the index from disk, returning an empty index (with the
// configured cutoff) when none exists. The returned value is a deep copy of
// the on-disk state.
func (s *ActiveIndexStore) Load() (*ActiveIndex, error) {
	idx := &ActiveIndex{Approvals: make(map[string]*ApprovalRecord)}
	if err := readJSON(s.path, idx); err != nil {
		if os.IsNotExist(err) {
			return s.empty(), nil
		}
		return nil, err
	}
	if idx.Approvals == nil {
		idx.Approvals = make(map[string]*ApprovalRecord)
	}
	if idx.Metadata.CutoffTimestamp == 0 {
		idx.Metadata = s.metadata()
	}
	out := &ActiveIndex{Metadata: idx.Metadata, Approvals: make(map[string]*ApprovalRecord, len(idx.Approvals))}
	for spNo, rec := range idx.Approvals {
		out.Approvals[spNo] = rec.clone()
	}
	return out, nil
}

// Save atomically persists the whole index.
func (s *ActiveIndexStore) Save(idx *ActiveIndex) error {
	return writeJSON(s.path, idx)
}

func (s *ActiveIndexStore) empty() *ActiveIndex {
	return &ActiveIndex{
		Metadata:  s.metadata(),
		Approvals: make(map[string]*ApprovalRecord),
	}
}

func (s *ActiveIndexStore) metadata() IndexMetadata {
	return IndexMetadata{
		CutoffTimestamp: s.cutoff,
		CutoffDate:      time.Unix(s.cutoff, 0).Format(time.RFC3339),
	}
}
