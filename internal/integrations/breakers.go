package integrations

import (
	"context"
	"time"

	"github.com/tutorhive/server/internal/circuitbreaker"
)

// BreakerMeetingProvider wraps a MeetingProvider with the shared circuit
// breaker manager so a flapping provider sheds load instead of stalling
// every transition.
type BreakerMeetingProvider struct {
	inner    MeetingProvider
	breakers *circuitbreaker.Manager
}

func NewBreakerMeetingProvider(inner MeetingProvider, breakers *circuitbreaker.Manager) *BreakerMeetingProvider {
	return &BreakerMeetingProvider{inner: inner, breakers: breakers}
}

func (p *BreakerMeetingProvider) CreateMeeting(ctx context.Context, bookingID int64, start, end time.Time) (Meeting, error) {
	res, err := p.breakers.Execute(circuitbreaker.ServiceMeeting, func() (interface{}, error) {
		return p.inner.CreateMeeting(ctx, bookingID, start, end)
	})
	if err != nil {
		return Meeting{}, err
	}
	return res.(Meeting), nil
}

func (p *BreakerMeetingProvider) UpdateMeeting(ctx context.Context, meetingID string, start, end time.Time) error {
	_, err := p.breakers.Execute(circuitbreaker.ServiceMeeting, func() (interface{}, error) {
		return nil, p.inner.UpdateMeeting(ctx, meetingID, start, end)
	})
	return err
}

func (p *BreakerMeetingProvider) CancelMeeting(ctx context.Context, meetingID string) error {
	_, err := p.breakers.Execute(circuitbreaker.ServiceMeeting, func() (interface{}, error) {
		return nil, p.inner.CancelMeeting(ctx, meetingID)
	})
	return err
}

// BreakerCalendarProvider applies the calendar breaker to every call.
type BreakerCalendarProvider struct {
	inner    CalendarProvider
	breakers *circuitbreaker.Manager
}

func NewBreakerCalendarProvider(inner CalendarProvider, breakers *circuitbreaker.Manager) *BreakerCalendarProvider {
	return &BreakerCalendarProvider{inner: inner, breakers: breakers}
}

func (p *BreakerCalendarProvider) CreateEvent(ctx context.Context, event CalendarEvent) (string, error) {
	res, err := p.breakers.Execute(circuitbreaker.ServiceCalendar, func() (interface{}, error) {
		return p.inner.CreateEvent(ctx, event)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (p *BreakerCalendarProvider) UpdateEvent(ctx context.Context, event CalendarEvent) error {
	_, err := p.breakers.Execute(circuitbreaker.ServiceCalendar, func() (interface{}, error) {
		return nil, p.inner.UpdateEvent(ctx, event)
	})
	return err
}

func (p *BreakerCalendarProvider) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := p.breakers.Execute(circuitbreaker.ServiceCalendar, func() (interface{}, error) {
		return nil, p.inner.DeleteEvent(ctx, eventID)
	})
	return err
}

func (p *BreakerCalendarProvider) FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]BusyInterval, error) {
	res, err := p.breakers.Execute(circuitbreaker.ServiceCalendar, func() (interface{}, error) {
		return p.inner.FreeBusy(ctx, calendarID, from, to)
	})
	if err != nil {
		return nil, err
	}
	return res.([]BusyInterval), nil
}

// BreakerEmailSender applies the email breaker to Send.
type BreakerEmailSender struct {
	inner    EmailSender
	breakers *circuitbreaker.Manager
}

func NewBreakerEmailSender(inner EmailSender, breakers *circuitbreaker.Manager) *BreakerEmailSender {
	return &BreakerEmailSender{inner: inner, breakers: breakers}
}

func (p *BreakerEmailSender) Send(ctx context.Context, email Email) error {
	_, err := p.breakers.Execute(circuitbreaker.ServiceEmail, func() (interface{}, error) {
		return nil, p.inner.Send(ctx, email)
	})
	return err
}
