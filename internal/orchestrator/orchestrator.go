package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
	apperrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/events"
	"github.com/tutorhive/server/internal/integrations"
	"github.com/tutorhive/server/internal/metrics"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/internal/storage"
	"github.com/tutorhive/server/internal/stripe"
)

// Error is a caller-visible failure with a machine-readable code. The HTTP
// layer maps Code to a status; Message never carries provider identifiers.
type Error struct {
	Code    apperrors.ErrorCode
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func opError(code apperrors.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an orchestrator Error from err, if one is wrapped.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// maxTransitionAttempts bounds the optimistic-conflict retry loop. The row
// lock serializes most races; the version check catches the rest.
const maxTransitionAttempts = 3

// Options wires the service's collaborators. Store, Machine and Queue are
// required; the rest degrade gracefully when absent (tests).
type Options struct {
	Store      storage.Store
	Machine    *booking.Machine
	Queue      outbox.Queue
	Dispatcher *events.Dispatcher
	Payments   stripe.Provider
	FreeBusy   *integrations.CachedFreeBusy
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Service is the application layer of the booking lifecycle: every use-case
// runs the state machine inside one transaction (row lock, validation reads,
// version-checked update), then enqueues side-effect intents and publishes
// the domain event after commit.
type Service struct {
	store      storage.Store
	machine    *booking.Machine
	queue      outbox.Queue
	dispatcher *events.Dispatcher
	payments   stripe.Provider
	freebusy   *integrations.CachedFreeBusy
	clk        clock.Clock
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// New builds the orchestrator.
func New(opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store:      opts.Store,
		machine:    opts.Machine,
		queue:      opts.Queue,
		dispatcher: opts.Dispatcher,
		payments:   opts.Payments,
		freebusy:   opts.FreeBusy,
		clk:        clk,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
}

// now prefers the database clock so time-driven decisions are immune to
// worker clock drift; it falls back to the local clock if the read fails.
func (s *Service) now(ctx context.Context) time.Time {
	if t, err := s.store.DBNow(ctx); err == nil {
		return t
	}
	return s.clk.Now()
}

// errRejected aborts the transaction when the state machine refuses the
// command; the rejection itself travels in the transition result.
var errRejected = errors.New("orchestrator: transition rejected")

// txStep runs inside the transition transaction after the state machine has
// produced an updated booking and before the version-checked write. Steps
// append ledger work (capture, refund rows, package decrement) that must
// commit atomically with the status change.
type txStep func(ctx context.Context, tx storage.Tx, res *booking.TransitionResult) error

// transition is the shared use-case skeleton: lock the row, run the machine,
// run the per-command transactional step, write with the version check, and
// retry the whole unit on an optimistic conflict with jittered backoff.
func (s *Service) transition(ctx context.Context, bookingID int64, cmd booking.Command, step txStep) (booking.TransitionResult, error) {
	var result booking.TransitionResult

	for attempt := 1; ; attempt++ {
		now := s.now(ctx)
		start := s.clk.Now()
		var fromState booking.SessionState

		err := s.store.Transact(ctx, func(tx storage.Tx) error {
			current, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			fromState = current.SessionState

			res := s.machine.Transition(current, cmd, now)
			if res.Rejected() {
				result = res
				return errRejected
			}

			if step != nil {
				if err := step(ctx, tx, &res); err != nil {
					return err
				}
			}

			if err := res.Booking.CheckInvariants(); err != nil {
				return err
			}

			updated, err := tx.UpdateBooking(ctx, res.Booking, current.Version)
			if err != nil {
				return err
			}
			res.Booking = updated
			result = res
			return nil
		})

		switch {
		case err == nil:
			s.observeTransition(cmd, fromState, result.Booking.SessionState, start)
			s.enqueueIntents(ctx, result.Intents)
			return result, nil

		case errors.Is(err, errRejected):
			if s.metrics != nil {
				s.metrics.RejectionsTotal.WithLabelValues(cmd.Name(), string(result.Rejection.Reason)).Inc()
			}
			return result, rejectionError(*result.Rejection)

		case errors.Is(err, storage.ErrOptimisticLock):
			if s.metrics != nil {
				s.metrics.LockConflictsTotal.WithLabelValues(cmd.Name()).Inc()
			}
			if attempt >= maxTransitionAttempts {
				return booking.TransitionResult{}, opError(apperrors.ErrCodeOptimisticLockConflict,
					"booking %d is being updated concurrently, please retry", bookingID)
			}
			// Jittered backoff keeps retrying writers from re-colliding in
			// lockstep.
			sleepJitter(ctx, attempt)
			continue

		case errors.Is(err, storage.ErrNotFound):
			return booking.TransitionResult{}, opError(apperrors.ErrCodeBookingNotFound, "booking %d not found", bookingID)

		case booking.IsInvariantViolation(err):
			s.log.Error().Err(err).Int64("booking_id", bookingID).Str("command", cmd.Name()).
				Msg("invariant violation, transition aborted")
			return booking.TransitionResult{}, opError(apperrors.ErrCodeInvariantViolation, "booking %d failed integrity checks", bookingID)

		default:
			var opErr *Error
			if errors.As(err, &opErr) {
				return booking.TransitionResult{}, err
			}
			return booking.TransitionResult{}, fmt.Errorf("transition %s on booking %d: %w", cmd.Name(), bookingID, err)
		}
	}
}

func (s *Service) observeTransition(cmd booking.Command, from, to booking.SessionState, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.TransitionsTotal.WithLabelValues(cmd.Name(), string(from), string(to)).Inc()
	s.metrics.TransitionDuration.WithLabelValues(cmd.Name()).Observe(s.clk.Now().Sub(start).Seconds())
}

// enqueueIntents hands the committed transition's side effects to the
// persistent queue. The state change is already durable; a queue failure is
// logged for the operator and retried by the reconciler, never surfaced to
// the caller as an error.
func (s *Service) enqueueIntents(ctx context.Context, intents []booking.Intent) {
	if len(intents) == 0 || s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, intents); err != nil {
		s.log.Error().Err(err).Int("intents", len(intents)).
			Msg("failed to enqueue side-effect intents after commit")
	}
}

// publish delivers a domain event synchronously; handler failures are
// isolated inside the dispatcher.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Publish(ctx, e)
	}
}

func rejectionError(r booking.Rejection) error {
	return &Error{Code: rejectionCode(r.Reason), Message: r.Message}
}

// rejectionCode maps the state machine's reasons onto the caller-visible
// error taxonomy.
func rejectionCode(reason booking.RejectReason) apperrors.ErrorCode {
	switch reason {
	case booking.RejectMissingField:
		return apperrors.ErrCodeMissingField
	case booking.RejectInvalidTimeRange:
		return apperrors.ErrCodeInvalidTimeRange
	case booking.RejectSessionTooShort:
		return apperrors.ErrCodeSessionTooShort
	case booking.RejectInvalidAmount:
		return apperrors.ErrCodeInvalidAmount
	case booking.RejectInvalidCurrency:
		return apperrors.ErrCodeInvalidCurrency
	case booking.RejectInvalidTimezone:
		return apperrors.ErrCodeInvalidTimezone
	case booking.RejectForbiddenRole:
		return apperrors.ErrCodeInvalidRole
	case booking.RejectPaymentNotCaptured:
		return apperrors.ErrCodePaymentNotCaptured
	case booking.RejectDisputeAlreadyOpen:
		return apperrors.ErrCodeDisputeAlreadyOpen
	case booking.RejectDisputeNotOpen:
		return apperrors.ErrCodeDisputeNotOpen
	default:
		return apperrors.ErrCodeStateRejected
	}
}

// sleepJitter pauses between optimistic-conflict retries: a growing base
// with up to 50ms of jitter, abandoned early if the caller gives up.
func sleepJitter(ctx context.Context, attempt int) {
	backoff := time.Duration(attempt) * 25 * time.Millisecond
	backoff += time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}
