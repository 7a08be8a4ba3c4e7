package clock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the time source so schedulers and the state machine can be
// tested against a controlled clock. All values are UTC.
type Clock interface {
	Now() time.Time
}

// System reads the OS clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{Current: t.UTC()}
}

func (f *Fake) Now() time.Time {
	return f.Current
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}

// NewEventID creates a unique event identifier for idempotency.
// Format: "evt_" + uuid without dashes.
func NewEventID() string {
	return "evt_" + compactUUID()
}

// NewLockToken creates a unique token identifying a distributed-lock holder.
func NewLockToken() string {
	return "lock_" + compactUUID()
}

// NewJobRunID identifies a single scheduler job execution.
func NewJobRunID(jobName string) string {
	return fmt.Sprintf("job_%s_%s", jobName, compactUUID())
}

// NewIntentID identifies a queued side-effect intent.
func NewIntentID() string {
	return "intent_" + compactUUID()
}

func compactUUID() string {
	u := uuid.New()
	buf := make([]byte, 0, 32)
	for _, b := range u {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(buf)
}

const hexDigits = "0123456789abcdef"
