package wecom

// Status is an approval status as reported by the upstream platform.
type Status int

const (
	StatusPending   Status = 1
	StatusApproved  Status = 2
	StatusRejected  Status = 3
	StatusWithdrawn Status = 4
	StatusRevoked   Status = 6 // revoked after approval
	StatusDeleted   Status = 7
	StatusPaid      Status = 10
)

var statusText = map[Status]string{
	StatusPending:   "Pending",
	StatusApproved:  "Approved",
	StatusRejected:  "Rejected",
	StatusWithdrawn: "Withdrawn",
	StatusRevoked:   "RevokedAfterApproval",
	StatusDeleted:   "Deleted",
	StatusPaid:      "Paid",
}

// StatusFromCode maps an upstream status code to a Status. Unknown codes
// return ok=false and the caller skips the record.
func StatusFromCode(code int) (Status, bool) {
	s := Status(code)
	_, ok := statusText[s]
	return s, ok
}

// Text returns the canonical status text written into the leave document.
func (s Status) Text() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return "Unknown"
}

// Terminal reports whether the status ends the approval's life in the
// active index. Everything except Pending is terminal.
func (s Status) Terminal() bool {
	_, ok := statusText[s]
	return ok && s != StatusPending
}
