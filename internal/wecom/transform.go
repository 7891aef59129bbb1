package wecom

import (
	"encoding/json"
	"fmt"
	"time"
)

// Half-day durations arrive as 43200 seconds in slice_info day items.
const halfDaySeconds = 43200

// GenerateDateSlots derives the canonical date-slot strings covered by one
// approval detail. Slots key one calendar day ("2026-2.14") or half-day
// ("2026-2.14 (AM)") per employee; a full day and a half day on the same
// date are distinct slots.
//
// Returns a TransformError when the detail carries no vacation block or no
// dates; callers log and skip such approvals.
func GenerateDateSlots(detail *ApprovalDetail) ([]string, error) {
	vac := findVacation(detail)
	if vac == nil {
		return nil, &TransformError{SpNo: detail.SpNo, Message: "no vacation block in apply_data"}
	}

	att := vac.Attendance
	if items := att.SliceInfo.DayItems; len(items) > 0 {
		slots := make([]string, 0, len(items))
		for _, item := range items {
			day := time.Unix(item.Daytime, 0)
			if item.Duration == halfDaySeconds {
				slots = append(slots, halfDaySlot(day))
			} else {
				slots = append(slots, daySlot(day))
			}
		}
		return slots, nil
	}

	dr := att.DateRange
	if dr.NewBegin == 0 || dr.NewEnd == 0 || dr.NewEnd < dr.NewBegin {
		return nil, &TransformError{SpNo: detail.SpNo, Message: "empty or inverted date_range"}
	}

	begin := time.Unix(dr.NewBegin, 0)
	end := time.Unix(dr.NewEnd, 0)
	half := dr.Type == "halfday"

	var slots []string
	for day := truncateDay(begin); !day.After(truncateDay(end)); day = day.AddDate(0, 0, 1) {
		if half {
			// AM/PM follows the range's start hour.
			slots = append(slots, halfDaySlot(time.Date(day.Year(), day.Month(), day.Day(), begin.Hour(), 0, 0, 0, day.Location())))
		} else {
			slots = append(slots, daySlot(day))
		}
	}
	if len(slots) == 0 {
		return nil, &TransformError{SpNo: detail.SpNo, Message: "date_range produced no days"}
	}
	return slots, nil
}

// findVacation returns the first content entry carrying a vacation block.
func findVacation(detail *ApprovalDetail) *Vacation {
	for _, c := range detail.ApplyData.Contents {
		if len(c.Value) == 0 {
			continue
		}
		var v vacationValue
		if err := json.Unmarshal(c.Value, &v); err != nil {
			continue
		}
		if v.Vacation != nil {
			return v.Vacation
		}
	}
	return nil
}

func daySlot(t time.Time) string {
	return fmt.Sprintf("%d-%d.%d", t.Year(), int(t.Month()), t.Day())
}

func halfDaySlot(t time.Time) string {
	meridiem := "AM"
	if t.Hour() >= 12 {
		meridiem = "PM"
	}
	return fmt.Sprintf("%s (%s)", daySlot(t), meridiem)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
