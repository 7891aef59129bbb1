package store

import "os"

// Employee is the directory entry kept for every user that ever appeared in
// an approval. Upstream wins on every new appearance; entries are never
// deleted.
type Employee struct {
	Name       string `json:"name"`
	Department string `json:"department"`
}

// LeaveDocument is the single JSON document holding all leave state:
// per-employee date-slot → status text, plus the employee directory.
type LeaveDocument struct {
	LeaveData    map[string]map[string]string `json:"leaveData"`
	EmployeeInfo map[string]Employee          `json:"employeeInfo"`
	UpdatedAt    string                       `json:"updatedAt"`
}

// NewLeaveDocument returns an empty, fully initialized document.
func NewLeaveDocument() *LeaveDocument {
	return &LeaveDocument{
		LeaveData:    make(map[string]map[string]string),
		EmployeeInfo: make(map[string]Employee),
	}
}

// SetSlot writes one (employee, slot) status, creating the employee's slot
// map if needed.
func (d *LeaveDocument) SetSlot(userid, slot, statusText string) {
	if d.LeaveData[userid] == nil {
		d.LeaveData[userid] = make(map[string]string)
	}
	d.LeaveData[userid][slot] = statusText
}

// Clone returns a deep copy. Callers mutate copies and persist them through
// the store while holding the sync lock.
func (d *LeaveDocument) Clone() *LeaveDocument {
	out := &LeaveDocument{
		LeaveData:    make(map[string]map[string]string, len(d.LeaveData)),
		EmployeeInfo: make(map[string]Employee, len(d.EmployeeInfo)),
		UpdatedAt:    d.UpdatedAt,
	}
	for user, slots := range d.LeaveData {
		m := make(map[string]string, len(slots))
		for slot, status := range slots {
			m[slot] = status
		}
		out.LeaveData[user] = m
	}
	for user, emp := range d.EmployeeInfo {
		out.EmployeeInfo[user] = emp
	}
	return out
}

// LeaveStore loads and saves the leave document.
type LeaveStore struct {
	path string
}

func NewLeaveStore(path string) *LeaveStore {
	return &LeaveStore{path: path}
}

// Load reads the document from disk, returning an empty document when none
// exists yet.
func (s *LeaveStore) Load() (*LeaveDocument, error) {
	doc := NewLeaveDocument()
	if err := readJSON(s.path, doc); err != nil {
		if os.IsNotExist(err) {
			return NewLeaveDocument(), nil
		}
		return nil, err
	}
	if doc.LeaveData == nil {
		doc.LeaveData = make(map[string]map[string]string)
	}
	if doc.EmployeeInfo == nil {
		doc.EmployeeInfo = make(map[string]Employee)
	}
	return doc, nil
}

// Save stamps a fresh updatedAt and atomically persists the document.
func (s *LeaveStore) Save(doc *LeaveDocument) error {
	doc.UpdatedAt = nowISO()
	return writeJSON(s.path, doc)
}
