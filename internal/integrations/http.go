package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tutorhive/server/internal/httputil"
)

// RESTConfig points the REST providers at the provider gateway.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// restClient is the shared JSON-over-HTTP plumbing for the gateway-backed
// providers. Responses with 5xx or transport errors are retryable; 4xx is
// terminal because the gateway validated and refused the request.
type restClient struct {
	base    string
	apiKey  string
	service string
	client  *http.Client
}

func newRESTClient(cfg RESTConfig, service string) *restClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		base:    cfg.BaseURL,
		apiKey:  cfg.APIKey,
		service: service,
		client:  httputil.NewClient(timeout),
	}
}

// call performs one JSON request. A nil out discards the response body.
func (c *restClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return NewTerminalError(c.service, "encode_request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return NewTerminalError(c.service, "build_request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return NewRetryableError(c.service, "transport", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return NewRetryableError(c.service, "http_"+strconv.Itoa(resp.StatusCode),
			fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return NewTerminalError(c.service, "http_"+strconv.Itoa(resp.StatusCode),
			fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewRetryableError(c.service, "decode_response", err)
	}
	return nil
}

// RESTMeetingProvider provisions video rooms through the gateway.
type RESTMeetingProvider struct {
	c *restClient
}

func NewRESTMeetingProvider(cfg RESTConfig) *RESTMeetingProvider {
	return &RESTMeetingProvider{c: newRESTClient(cfg, "meeting")}
}

func (p *RESTMeetingProvider) CreateMeeting(ctx context.Context, bookingID int64, start, end time.Time) (Meeting, error) {
	var resp struct {
		ID      string `json:"id"`
		JoinURL string `json:"joinUrl"`
	}
	err := p.c.call(ctx, http.MethodPost, "/meetings", map[string]any{
		"bookingId": bookingID,
		"start":     start.Format(time.RFC3339),
		"end":       end.Format(time.RFC3339),
	}, &resp)
	if err != nil {
		return Meeting{}, err
	}
	return Meeting{ID: resp.ID, JoinURL: resp.JoinURL}, nil
}

func (p *RESTMeetingProvider) UpdateMeeting(ctx context.Context, meetingID string, start, end time.Time) error {
	return p.c.call(ctx, http.MethodPatch, "/meetings/"+url.PathEscape(meetingID), map[string]any{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}, nil)
}

func (p *RESTMeetingProvider) CancelMeeting(ctx context.Context, meetingID string) error {
	return p.c.call(ctx, http.MethodDelete, "/meetings/"+url.PathEscape(meetingID), nil, nil)
}

// RESTCalendarProvider mirrors bookings onto the calendar service.
type RESTCalendarProvider struct {
	c *restClient
}

func NewRESTCalendarProvider(cfg RESTConfig) *RESTCalendarProvider {
	return &RESTCalendarProvider{c: newRESTClient(cfg, "calendar")}
}

type calendarEventPayload struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Attendees []string `json:"attendees,omitempty"`
}

func eventPayload(event CalendarEvent) calendarEventPayload {
	return calendarEventPayload{
		Title:     event.Title,
		Start:     event.Start.Format(time.RFC3339),
		End:       event.End.Format(time.RFC3339),
		Attendees: event.Attendees,
	}
}

func (p *RESTCalendarProvider) CreateEvent(ctx context.Context, event CalendarEvent) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := p.c.call(ctx, http.MethodPost, "/events", eventPayload(event), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *RESTCalendarProvider) UpdateEvent(ctx context.Context, event CalendarEvent) error {
	return p.c.call(ctx, http.MethodPut, "/events/"+url.PathEscape(event.ID), eventPayload(event), nil)
}

func (p *RESTCalendarProvider) DeleteEvent(ctx context.Context, eventID string) error {
	return p.c.call(ctx, http.MethodDelete, "/events/"+url.PathEscape(eventID), nil, nil)
}

func (p *RESTCalendarProvider) FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]BusyInterval, error) {
	var resp struct {
		Busy []struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"busy"`
	}
	path := "/freebusy?calendarId=" + url.QueryEscape(calendarID) +
		"&from=" + url.QueryEscape(from.Format(time.RFC3339)) +
		"&to=" + url.QueryEscape(to.Format(time.RFC3339))
	if err := p.c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	intervals := make([]BusyInterval, 0, len(resp.Busy))
	for _, b := range resp.Busy {
		intervals = append(intervals, BusyInterval{Start: b.Start, End: b.End})
	}
	return intervals, nil
}

// RESTEmailSender delivers templated email through the gateway.
type RESTEmailSender struct {
	c *restClient
}

func NewRESTEmailSender(cfg RESTConfig) *RESTEmailSender {
	return &RESTEmailSender{c: newRESTClient(cfg, "email")}
}

func (p *RESTEmailSender) Send(ctx context.Context, email Email) error {
	return p.c.call(ctx, http.MethodPost, "/emails", map[string]any{
		"to":       email.To,
		"template": email.Template,
		"data":     email.Data,
	}, nil)
}

// RESTDirectory resolves platform user ids against the directory service.
type RESTDirectory struct {
	c *restClient
}

func NewRESTDirectory(cfg RESTConfig) *RESTDirectory {
	return &RESTDirectory{c: newRESTClient(cfg, "directory")}
}

func (d *RESTDirectory) StudentEmail(ctx context.Context, studentID int64) (string, error) {
	var resp struct {
		Email string `json:"email"`
	}
	if err := d.c.call(ctx, http.MethodGet, "/students/"+strconv.FormatInt(studentID, 10), nil, &resp); err != nil {
		return "", err
	}
	return resp.Email, nil
}

func (d *RESTDirectory) TutorEmail(ctx context.Context, tutorID int64) (string, error) {
	var resp struct {
		Email string `json:"email"`
	}
	if err := d.c.call(ctx, http.MethodGet, "/tutors/"+strconv.FormatInt(tutorID, 10), nil, &resp); err != nil {
		return "", err
	}
	return resp.Email, nil
}

func (d *RESTDirectory) PayoutAccount(ctx context.Context, tutorID int64) (string, error) {
	var resp struct {
		PayoutAccount string `json:"payoutAccount"`
	}
	if err := d.c.call(ctx, http.MethodGet, "/tutors/"+strconv.FormatInt(tutorID, 10)+"/payout-account", nil, &resp); err != nil {
		return "", err
	}
	return resp.PayoutAccount, nil
}
