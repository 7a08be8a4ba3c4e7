package httpserver

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutorhive/server/internal/booking"
	apierrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/orchestrator"
	"github.com/tutorhive/server/pkg/responders"
)

// bookingResponse is the wire shape of a booking.
type bookingResponse struct {
	ID      int64 `json:"id"`
	Version int64 `json:"version"`

	StudentID      int64 `json:"studentId"`
	TutorID        int64 `json:"tutorId"`
	TutorProfileID int64 `json:"tutorProfileId"`

	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`

	SessionState   string  `json:"sessionState"`
	SessionOutcome *string `json:"sessionOutcome,omitempty"`
	PaymentState   string  `json:"paymentState"`
	DisputeState   string  `json:"disputeState"`

	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	PlatformFeeCents int64  `json:"platformFeeCents"`
	PackageID        int64  `json:"packageId,omitempty"`

	MeetingJoinURL string `json:"meetingJoinUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toBookingResponse(b booking.Booking) bookingResponse {
	resp := bookingResponse{
		ID:               b.ID,
		Version:          b.Version,
		StudentID:        b.StudentID,
		TutorID:          b.TutorID,
		TutorProfileID:   b.TutorProfileID,
		Start:            b.Start,
		End:              b.End,
		Timezone:         b.Timezone,
		SessionState:     string(b.SessionState),
		PaymentState:     string(b.PaymentState),
		DisputeState:     string(b.DisputeState),
		AmountCents:      b.AmountCents,
		Currency:         b.Currency,
		PlatformFeeCents: b.PlatformFeeCents,
		PackageID:        b.PackageID,
		MeetingJoinURL:   b.JoinURL,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
	if b.Outcome != nil {
		outcome := string(*b.Outcome)
		resp.SessionOutcome = &outcome
	}
	return resp
}

// bookingID extracts the {id} route parameter.
func bookingID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type createBookingRequest struct {
	StudentID        int64     `json:"studentId"`
	TutorID          int64     `json:"tutorId"`
	TutorProfileID   int64     `json:"tutorProfileId"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Timezone         string    `json:"timezone"`
	AmountCents      int64     `json:"amountCents"`
	Currency         string    `json:"currency"`
	PlatformFeeCents int64     `json:"platformFeeCents"`
	PackageID        int64     `json:"packageId,omitempty"`
	StudentEmail     string    `json:"studentEmail,omitempty"`
}

// createBooking handles POST /v1/bookings.
func (h handlers) createBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	result, err := h.bookings.CreateBooking(r.Context(), orchestrator.CreateRequest{
		StudentID:        req.StudentID,
		TutorID:          req.TutorID,
		TutorProfileID:   req.TutorProfileID,
		Start:            req.Start,
		End:              req.End,
		Timezone:         req.Timezone,
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
		PlatformFeeCents: req.PlatformFeeCents,
		PackageID:        req.PackageID,
		StudentEmail:     req.StudentEmail,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	payload := map[string]any{
		"booking": toBookingResponse(result.Booking),
	}
	if result.CheckoutURL != "" {
		payload["checkoutUrl"] = result.CheckoutURL
	}
	if result.Warning != "" {
		payload["warning"] = result.Warning
	}
	responders.JSON(w, http.StatusCreated, payload)
}

// getBooking handles GET /v1/bookings/{id}.
func (h handlers) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	b, err := h.bookings.GetBooking(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

// approveBooking handles POST /v1/bookings/{id}/approve.
func (h handlers) approveBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	b, err := h.bookings.Approve(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Role   string `json:"role,omitempty"`
}

// declineBooking handles POST /v1/bookings/{id}/decline.
func (h handlers) declineBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	var req reasonRequest
	if err := decodeJSON(r.Body, &req); err != nil && err != io.EOF {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	b, err := h.bookings.Decline(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

// cancelBooking handles POST /v1/bookings/{id}/cancel. The acting role
// decides the refund policy branch, so it is part of the request.
func (h handlers) cancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	var req reasonRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	role := booking.Role(req.Role)
	if !role.Valid() || role == booking.RoleSystem {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRole, "role must be STUDENT, TUTOR or ADMIN")
		return
	}
	b, err := h.bookings.Cancel(r.Context(), id, role, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

type rescheduleRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Role  string    `json:"role"`
}

// rescheduleBooking handles POST /v1/bookings/{id}/reschedule.
func (h handlers) rescheduleBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	var req rescheduleRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	role := booking.Role(req.Role)
	if !role.Valid() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRole, "role must be STUDENT, TUTOR or ADMIN")
		return
	}
	b, err := h.bookings.Reschedule(r.Context(), id, req.Start, req.End, role)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

type noShowRequest struct {
	Party string `json:"party"` // which side failed to appear
}

// markNoShow handles POST /v1/bookings/{id}/no-show.
func (h handlers) markNoShow(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	var req noShowRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	party := booking.Role(req.Party)
	if party != booking.RoleStudent && party != booking.RoleTutor {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRole, "party must be STUDENT or TUTOR")
		return
	}
	b, err := h.bookings.MarkNoShow(r.Context(), id, party)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

type endSessionRequest struct {
	Outcome string `json:"outcome,omitempty"`
}

// endSession handles POST /v1/bookings/{id}/end: a tutor wrapping up early
// instead of waiting for the automatic sweep.
func (h handlers) endSession(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	// An empty body means the default outcome.
	var req endSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil && err != io.EOF {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	outcome := booking.OutcomeCompleted
	if req.Outcome != "" {
		outcome = booking.SessionOutcome(req.Outcome)
		switch outcome {
		case booking.OutcomeCompleted, booking.OutcomeAbandoned:
		default:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "outcome must be COMPLETED or ABANDONED; no-shows use the no-show endpoint")
			return
		}
	}
	b, err := h.bookings.EndSession(r.Context(), id, outcome)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

// openDispute handles POST /v1/bookings/{id}/disputes.
func (h handlers) openDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	var req reasonRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	role := booking.Role(req.Role)
	if role != booking.RoleStudent && role != booking.RoleTutor {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRole, "disputes are opened by STUDENT or TUTOR")
		return
	}
	if req.Reason == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "a dispute needs a reason")
		return
	}
	b, err := h.bookings.OpenDispute(r.Context(), id, role, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

type resolveDisputeRequest struct {
	Resolution  string `json:"resolution"` // RESOLVED_STUDENT or RESOLVED_TUTOR
	AmountCents int64  `json:"amountCents"`
	AdminID     int64  `json:"adminId"`
}

// resolveDispute handles POST /v1/bookings/{id}/disputes/resolve.
func (h handlers) resolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "booking id must be a positive integer")
		return
	}
	var req resolveDisputeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	resolution := booking.DisputeState(req.Resolution)
	if resolution != booking.DisputeResolvedStudent && resolution != booking.DisputeResolvedTutor {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "resolution must be RESOLVED_STUDENT or RESOLVED_TUTOR")
		return
	}
	b, err := h.bookings.ResolveDispute(r.Context(), id, resolution, req.AmountCents, req.AdminID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, toBookingResponse(b))
}

// health handles GET /health.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if _, err := h.store.DBNow(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	responders.JSON(w, code, map[string]any{
		"status":        status,
		"uptimeSeconds": int(time.Since(serverStartTime).Seconds()),
	})
}
