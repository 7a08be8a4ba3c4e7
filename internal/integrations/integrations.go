package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Meeting is a provisioned video room for one session.
type Meeting struct {
	ID      string
	JoinURL string
}

// CalendarEvent mirrors the provider-side event for a booking.
type CalendarEvent struct {
	ID        string
	Title     string
	Start     time.Time
	End       time.Time
	Attendees []string
}

// BusyInterval is one occupied window on an external calendar.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Email is one templated message. Data keys are template-specific.
type Email struct {
	To       string
	Template string
	Data     map[string]string
}

// MeetingProvider provisions and tears down video rooms.
type MeetingProvider interface {
	CreateMeeting(ctx context.Context, bookingID int64, start, end time.Time) (Meeting, error)
	UpdateMeeting(ctx context.Context, meetingID string, start, end time.Time) error
	CancelMeeting(ctx context.Context, meetingID string) error
}

// CalendarProvider mirrors bookings onto an external calendar and answers
// free/busy queries for the conflict check.
type CalendarProvider interface {
	CreateEvent(ctx context.Context, event CalendarEvent) (string, error)
	UpdateEvent(ctx context.Context, event CalendarEvent) error
	DeleteEvent(ctx context.Context, eventID string) error
	FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]BusyInterval, error)
}

// EmailSender delivers transactional email.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// ProviderError wraps a failure from an external provider with enough
// classification for retry decisions.
type ProviderError struct {
	Service   string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether err should be retried with backoff. Timeouts,
// cancellations and provider errors flagged retryable qualify; everything
// else is terminal.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// NewRetryableError marks a transient provider failure.
func NewRetryableError(service, code string, err error) *ProviderError {
	return &ProviderError{Service: service, Code: code, Retryable: true, Err: err}
}

// NewTerminalError marks a permanent provider failure.
func NewTerminalError(service, code string, err error) *ProviderError {
	return &ProviderError{Service: service, Code: code, Retryable: false, Err: err}
}
