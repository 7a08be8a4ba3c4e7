package integrations

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeMeetingProvider records calls and serves canned failures for tests and
// the development environment.
type FakeMeetingProvider struct {
	mu       sync.Mutex
	nextID   int
	Created  []Meeting
	Updated  []string
	Canceled []string
	FailWith error
}

func NewFakeMeetingProvider() *FakeMeetingProvider { return &FakeMeetingProvider{} }

func (f *FakeMeetingProvider) CreateMeeting(ctx context.Context, bookingID int64, start, end time.Time) (Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return Meeting{}, f.FailWith
	}
	f.nextID++
	m := Meeting{
		ID:      fmt.Sprintf("meet-%d", f.nextID),
		JoinURL: fmt.Sprintf("https://meet.example.com/room/%d", f.nextID),
	}
	f.Created = append(f.Created, m)
	return m, nil
}

func (f *FakeMeetingProvider) UpdateMeeting(ctx context.Context, meetingID string, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Updated = append(f.Updated, meetingID)
	return nil
}

func (f *FakeMeetingProvider) CancelMeeting(ctx context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Canceled = append(f.Canceled, meetingID)
	return nil
}

// FakeCalendarProvider records events and serves configured busy intervals.
type FakeCalendarProvider struct {
	mu       sync.Mutex
	nextID   int
	Events   map[string]CalendarEvent
	Deleted  []string
	Busy     []BusyInterval
	FailWith error
	// Delay simulates a slow provider for budget tests.
	Delay time.Duration
}

func NewFakeCalendarProvider() *FakeCalendarProvider {
	return &FakeCalendarProvider{Events: make(map[string]CalendarEvent)}
}

func (f *FakeCalendarProvider) CreateEvent(ctx context.Context, event CalendarEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return "", f.FailWith
	}
	f.nextID++
	id := fmt.Sprintf("cal-%d", f.nextID)
	event.ID = id
	f.Events[id] = event
	return id, nil
}

func (f *FakeCalendarProvider) UpdateEvent(ctx context.Context, event CalendarEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if _, ok := f.Events[event.ID]; !ok {
		return NewTerminalError("calendar", "event_not_found", fmt.Errorf("event %s", event.ID))
	}
	f.Events[event.ID] = event
	return nil
}

func (f *FakeCalendarProvider) DeleteEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	delete(f.Events, eventID)
	f.Deleted = append(f.Deleted, eventID)
	return nil
}

func (f *FakeCalendarProvider) FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]BusyInterval, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	var out []BusyInterval
	for _, b := range f.Busy {
		if b.Start.Before(to) && b.End.After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

// FakeEmailSender records every message.
type FakeEmailSender struct {
	mu       sync.Mutex
	Sent     []Email
	FailWith error
}

func NewFakeEmailSender() *FakeEmailSender { return &FakeEmailSender{} }

func (f *FakeEmailSender) Send(ctx context.Context, email Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Sent = append(f.Sent, email)
	return nil
}

// SentTo returns the templates delivered to one recipient, in order.
func (f *FakeEmailSender) SentTo(to string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.Sent {
		if e.To == to {
			out = append(out, e.Template)
		}
	}
	return out
}

// FakeDirectory synthesizes deterministic addresses from platform ids. Used
// when no directory service is configured.
type FakeDirectory struct{}

func NewFakeDirectory() FakeDirectory { return FakeDirectory{} }

func (FakeDirectory) StudentEmail(ctx context.Context, studentID int64) (string, error) {
	return fmt.Sprintf("student-%d@example.com", studentID), nil
}

func (FakeDirectory) TutorEmail(ctx context.Context, tutorID int64) (string, error) {
	return fmt.Sprintf("tutor-%d@example.com", tutorID), nil
}

func (FakeDirectory) PayoutAccount(ctx context.Context, tutorID int64) (string, error) {
	return fmt.Sprintf("acct_fake_%d", tutorID), nil
}
