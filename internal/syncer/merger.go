package syncer

import (
	"github.com/leavesync/backend/internal/store"
	"github.com/leavesync/backend/internal/wecom"
)

// Merge combines an incoming batch with the current leave document under the
// idempotent rule:
//
//   - employee info: incoming always overwrites (upstream wins)
//   - a slot with no current status takes the incoming one
//   - incoming Approved always wins
//   - incoming Pending never demotes an existing Approved
//   - every other incoming status overwrites
//
// Merge is pure with respect to its inputs: current is cloned, never
// mutated. It returns the merged document plus employee counts for logging.
func Merge(current, incoming *store.LeaveDocument) (merged *store.LeaveDocument, newEmployees, updatedEmployees int) {
	merged = current.Clone()

	for userid, emp := range incoming.EmployeeInfo {
		if _, known := merged.EmployeeInfo[userid]; known {
			updatedEmployees++
		} else {
			newEmployees++
		}
		merged.EmployeeInfo[userid] = emp
	}

	approvedText := wecom.StatusApproved.Text()
	pendingText := wecom.StatusPending.Text()

	for userid, slots := range incoming.LeaveData {
		for slot, status := range slots {
			existing := ""
			if m := merged.LeaveData[userid]; m != nil {
				existing = m[slot]
			}
			if existing == approvedText && status == pendingText {
				// Approved is sticky against later Pending observations
				// from other approvals.
				continue
			}
			merged.SetSlot(userid, slot, status)
		}
	}
	return merged, newEmployees, updatedEmployees
}
