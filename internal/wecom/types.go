package wecom

import "encoding/json"

// RecordNameLeave is the sp_name value identifying leave approvals. Records
// with any other name are ignored by the sync engine.
const RecordNameLeave = "leave"

// ApprovalDetail is the upstream `info` object for one approval. Only the
// fields the sync engine parses are declared; the rest stays opaque.
type ApprovalDetail struct {
	SpNo      string    `json:"sp_no"`
	SpName    string    `json:"sp_name"`
	SpStatus  int       `json:"sp_status"`
	ApplyTime int64     `json:"apply_time"`
	Applyer   *Applyer  `json:"applyer"`
	Applier   *Applyer  `json:"applier"` // alternate spelling seen in the wild
	ApplyData ApplyData `json:"apply_data"`
}

// Applicant returns whichever applicant spelling the upstream used.
func (d *ApprovalDetail) Applicant() *Applyer {
	if d.Applyer != nil {
		return d.Applyer
	}
	return d.Applier
}

type Applyer struct {
	UserID  string `json:"userid"`
	PartyID string `json:"partyid"`
}

type ApplyData struct {
	Contents []Content `json:"contents"`
}

type Content struct {
	Control string          `json:"control"`
	Value   json.RawMessage `json:"value"`
}

// vacationValue is the decoded shape of a content value that carries a
// vacation block.
type vacationValue struct {
	Vacation *Vacation `json:"vacation"`
}

type Vacation struct {
	Attendance Attendance `json:"attendance"`
}

type Attendance struct {
	DateRange DateRange `json:"date_range"`
	SliceInfo SliceInfo `json:"slice_info"`
}

type DateRange struct {
	Type     string `json:"type"` // "halfday" or "wholeday"
	NewBegin int64  `json:"new_begin"`
	NewEnd   int64  `json:"new_end"`
}

type SliceInfo struct {
	DayItems []DayItem `json:"day_items"`
}

type DayItem struct {
	Daytime  int64 `json:"daytime"`
	Duration int64 `json:"duration"`
}

// UserInfo is the cached subset of an upstream user lookup.
type UserInfo struct {
	UserID         string `json:"userid"`
	Name           string `json:"name"`
	Department     []int  `json:"department"`
	MainDepartment int    `json:"main_department"`
}
