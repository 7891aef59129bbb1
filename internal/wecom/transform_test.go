package wecom

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vacationDetail(t *testing.T, spNo string, att Attendance) *ApprovalDetail {
	t.Helper()
	raw, err := json.Marshal(vacationValue{Vacation: &Vacation{Attendance: att}})
	require.NoError(t, err)
	return &ApprovalDetail{
		SpNo:   spNo,
		SpName: RecordNameLeave,
		ApplyData: ApplyData{Contents: []Content{
			{Control: "Text", Value: json.RawMessage(`"ignored"`)},
			{Control: "Vacation", Value: raw},
		}},
	}
}

func localUnix(year int, month time.Month, day, hour int) int64 {
	return time.Date(year, month, day, hour, 0, 0, 0, time.Local).Unix()
}

func TestGenerateDateSlotsWholeDayRange(t *testing.T) {
	detail := vacationDetail(t, "A1", Attendance{
		DateRange: DateRange{
			Type:     "wholeday",
			NewBegin: localUnix(2026, time.February, 14, 9),
			NewEnd:   localUnix(2026, time.February, 16, 18),
		},
	})

	slots, err := GenerateDateSlots(detail)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-2.14", "2026-2.15", "2026-2.16"}, slots)
}

func TestGenerateDateSlotsSingleDay(t *testing.T) {
	detail := vacationDetail(t, "A2", Attendance{
		DateRange: DateRange{
			Type:     "wholeday",
			NewBegin: localUnix(2026, time.March, 2, 0),
			NewEnd:   localUnix(2026, time.March, 2, 23),
		},
	})

	slots, err := GenerateDateSlots(detail)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-3.2"}, slots)
}

func TestGenerateDateSlotsHalfDayRange(t *testing.T) {
	morning := vacationDetail(t, "A3", Attendance{
		DateRange: DateRange{
			Type:     "halfday",
			NewBegin: localUnix(2026, time.February, 14, 9),
			NewEnd:   localUnix(2026, time.February, 14, 12),
		},
	})
	slots, err := GenerateDateSlots(morning)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-2.14 (AM)"}, slots)

	afternoon := vacationDetail(t, "A4", Attendance{
		DateRange: DateRange{
			Type:     "halfday",
			NewBegin: localUnix(2026, time.February, 14, 14),
			NewEnd:   localUnix(2026, time.February, 14, 18),
		},
	})
	slots, err = GenerateDateSlots(afternoon)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-2.14 (PM)"}, slots)
}

func TestGenerateDateSlotsDayItemsPreferred(t *testing.T) {
	// day_items win over date_range when both are present.
	detail := vacationDetail(t, "A5", Attendance{
		DateRange: DateRange{
			Type:     "wholeday",
			NewBegin: localUnix(2026, time.January, 1, 0),
			NewEnd:   localUnix(2026, time.January, 31, 0),
		},
		SliceInfo: SliceInfo{DayItems: []DayItem{
			{Daytime: localUnix(2026, time.February, 14, 0), Duration: 86400},
			{Daytime: localUnix(2026, time.February, 15, 9), Duration: halfDaySeconds},
			{Daytime: localUnix(2026, time.February, 16, 14), Duration: halfDaySeconds},
		}},
	})

	slots, err := GenerateDateSlots(detail)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-2.14", "2026-2.15 (AM)", "2026-2.16 (PM)"}, slots)
}

func TestGenerateDateSlotsCrossMonth(t *testing.T) {
	detail := vacationDetail(t, "A6", Attendance{
		DateRange: DateRange{
			Type:     "wholeday",
			NewBegin: localUnix(2026, time.January, 30, 9),
			NewEnd:   localUnix(2026, time.February, 2, 18),
		},
	})

	slots, err := GenerateDateSlots(detail)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-1.30", "2026-1.31", "2026-2.1", "2026-2.2"}, slots)
}

func TestGenerateDateSlotsNoVacation(t *testing.T) {
	detail := &ApprovalDetail{
		SpNo:   "A7",
		SpName: RecordNameLeave,
		ApplyData: ApplyData{Contents: []Content{
			{Control: "Text", Value: json.RawMessage(`"no vacation here"`)},
		}},
	}

	_, err := GenerateDateSlots(detail)
	var tfErr *TransformError
	require.ErrorAs(t, err, &tfErr)
	assert.Equal(t, "A7", tfErr.SpNo)
}

func TestGenerateDateSlotsEmptyRange(t *testing.T) {
	detail := vacationDetail(t, "A8", Attendance{})
	_, err := GenerateDateSlots(detail)
	var tfErr *TransformError
	require.ErrorAs(t, err, &tfErr)

	inverted := vacationDetail(t, "A9", Attendance{
		DateRange: DateRange{
			Type:     "wholeday",
			NewBegin: localUnix(2026, time.February, 16, 0),
			NewEnd:   localUnix(2026, time.February, 14, 0),
		},
	})
	_, err = GenerateDateSlots(inverted)
	require.ErrorAs(t, err, &tfErr)
}

func TestApplicantSpelling(t *testing.T) {
	d := &ApprovalDetail{Applyer: &Applyer{UserID: "u1"}}
	require.NotNil(t, d.Applicant())
	assert.Equal(t, "u1", d.Applicant().UserID)

	d = &ApprovalDetail{Applier: &Applyer{UserID: "u2"}}
	require.NotNil(t, d.Applicant())
	assert.Equal(t, "u2", d.Applicant().UserID)

	d = &ApprovalDetail{}
	assert.Nil(t, d.Applicant())
}
