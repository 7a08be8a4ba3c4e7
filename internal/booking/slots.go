package booking

import "time"

// AvailabilitySlot is a per-tutor recurring window. Read-only during
// booking: only the conflict check consults it.
type AvailabilitySlot struct {
	ID       int64
	TutorID  int64
	Weekday  time.Weekday
	Start    string // "15:04", in the slot's timezone
	End      string
	Timezone string
}

// Covers reports whether the requested [start, end) window falls inside the
// recurring slot. Both instants are converted into the slot's timezone so
// DST shifts resolve the way the tutor sees their calendar.
func (s AvailabilitySlot) Covers(start, end time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return false
	}
	localStart := start.In(loc)
	localEnd := end.In(loc)
	if localStart.Weekday() != s.Weekday {
		return false
	}
	slotStart, err1 := time.ParseInLocation("15:04", s.Start, loc)
	slotEnd, err2 := time.ParseInLocation("15:04", s.End, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	y, m, d := localStart.Date()
	dayStart := time.Date(y, m, d, slotStart.Hour(), slotStart.Minute(), 0, 0, loc)
	dayEnd := time.Date(y, m, d, slotEnd.Hour(), slotEnd.Minute(), 0, 0, loc)
	return !localStart.Before(dayStart) && !localEnd.After(dayEnd)
}

// Blackout is a one-off unavailable window for a tutor.
type Blackout struct {
	ID      int64
	TutorID int64
	Start   time.Time
	End     time.Time
	Reason  string
}

// Overlaps reports whether the blackout intersects [start, end).
func (bl Blackout) Overlaps(start, end time.Time) bool {
	return bl.Start.Before(end) && bl.End.After(start)
}

// Package is a prepaid bundle of sessions bound to a student-tutor pair.
// RemainingSessions decrements atomically when a session reaches
// ENDED/COMPLETED.
type Package struct {
	ID                int64
	StudentID         int64
	TutorID           int64
	TotalSessions     int
	RemainingSessions int
	ExpiresAt         time.Time
	Expired           bool
	CreatedAt         time.Time
}

// Usable reports whether the package can still cover a session at instant now.
func (p Package) Usable(now time.Time) bool {
	return !p.Expired && p.RemainingSessions > 0 && now.Before(p.ExpiresAt)
}
