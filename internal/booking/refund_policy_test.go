package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssessCancellation(t *testing.T) {
	policy := DefaultRefundPolicy()
	const amount, fee = int64(5000), int64(1000)

	tests := []struct {
		name        string
		by          Role
		timeToStart time.Duration
		wantRefund  int64
		wantPayout  int64
		wantReason  RefundReason
	}{
		{"tutor cancels late", RoleTutor, time.Hour, 5000, 0, RefundReasonTutorCancelled},
		{"tutor cancels early", RoleTutor, 48 * time.Hour, 5000, 0, RefundReasonTutorCancelled},
		{"student cancels at cutoff", RoleStudent, 12 * time.Hour, 5000, 0, RefundReasonStudentCancelled},
		{"student cancels early", RoleStudent, 36 * time.Hour, 5000, 0, RefundReasonStudentCancelled},
		{"student cancels inside cutoff", RoleStudent, 11*time.Hour + 59*time.Minute, 0, 4000, RefundReasonStudentLate},
		{"student cancels after start", RoleStudent, -time.Minute, 0, 4000, RefundReasonStudentLate},
		{"admin cancels", RoleAdmin, time.Hour, 5000, 0, RefundReasonAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.AssessCancellation(tt.by, tt.timeToStart, amount, fee)
			assert.Equal(t, tt.wantRefund, got.RefundCents)
			assert.Equal(t, tt.wantPayout, got.PayoutCents)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestAssessOutcome(t *testing.T) {
	policy := DefaultRefundPolicy()
	const amount, fee = int64(5000), int64(1000)

	tests := []struct {
		name       string
		outcome    SessionOutcome
		wantRefund int64
		wantPayout int64
	}{
		{"completed pays tutor", OutcomeCompleted, 0, 4000},
		{"student no-show pays tutor", OutcomeNoShowStudent, 0, 4000},
		{"tutor no-show refunds", OutcomeNoShowTutor, 5000, 0},
		{"abandoned refunds", OutcomeAbandoned, 5000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.AssessOutcome(tt.outcome, amount, fee)
			assert.Equal(t, tt.wantRefund, got.RefundCents)
			assert.Equal(t, tt.wantPayout, got.PayoutCents)
			// Refund plus payout never exceeds the captured amount.
			assert.LessOrEqual(t, got.RefundCents+got.PayoutCents, amount)
		})
	}
}

func TestOverlapRule(t *testing.T) {
	base := Booking{
		Start: time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2030, 1, 15, 15, 0, 0, 0, time.UTC),
	}

	// Half-open intervals: touching windows do not overlap.
	assert.False(t, base.Overlaps(base.End, base.End.Add(time.Hour)))
	assert.False(t, base.Overlaps(base.Start.Add(-time.Hour), base.Start))
	assert.True(t, base.Overlaps(base.Start.Add(30*time.Minute), base.End.Add(time.Hour)))
	assert.True(t, base.Overlaps(base.Start.Add(-time.Minute), base.Start.Add(time.Minute)))
	assert.True(t, base.Overlaps(base.Start, base.End))
}

func TestAvailabilitySlotCovers(t *testing.T) {
	slot := AvailabilitySlot{
		TutorID:  202,
		Weekday:  time.Tuesday,
		Start:    "09:00",
		End:      "17:00",
		Timezone: "America/New_York",
	}

	// 2030-01-15 is a Tuesday; 14:00-15:00 UTC is 09:00-10:00 in New York.
	start := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	assert.True(t, slot.Covers(start, start.Add(time.Hour)))

	// 13:00 UTC is 08:00 local, before the slot opens.
	early := time.Date(2030, 1, 15, 13, 0, 0, 0, time.UTC)
	assert.False(t, slot.Covers(early, early.Add(time.Hour)))

	// Wrong weekday.
	monday := time.Date(2030, 1, 14, 14, 0, 0, 0, time.UTC)
	assert.False(t, slot.Covers(monday, monday.Add(time.Hour)))
}

func TestPackageUsable(t *testing.T) {
	now := time.Date(2030, 1, 15, 12, 0, 0, 0, time.UTC)
	pkg := Package{RemainingSessions: 3, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, pkg.Usable(now))

	assert.False(t, Package{RemainingSessions: 0, ExpiresAt: now.Add(time.Hour)}.Usable(now))
	assert.False(t, Package{RemainingSessions: 3, ExpiresAt: now.Add(-time.Hour)}.Usable(now))
	assert.False(t, Package{RemainingSessions: 3, ExpiresAt: now.Add(time.Hour), Expired: true}.Usable(now))
}
