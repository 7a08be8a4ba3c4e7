package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tutorhive/server/internal/booking"
)

// postgresTx implements Tx over an open *sql.Tx. The context captured at
// Begin carries the per-transaction timeout for every statement.
type postgresTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *postgresTx) GetBookingForUpdate(ctx context.Context, id int64) (booking.Booking, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	return scanBooking(row)
}

func (t *postgresTx) UpdateBooking(ctx context.Context, b booking.Booking, expectedVersion int64) (booking.Booking, error) {
	var outcome, cancelledBy, deletedBy sql.NullString
	if b.Outcome != nil {
		outcome = sql.NullString{String: string(*b.Outcome), Valid: true}
	}
	if b.CancelledBy != nil {
		cancelledBy = sql.NullString{String: string(*b.CancelledBy), Valid: true}
	}
	if b.DeletedBy != nil {
		deletedBy = sql.NullString{String: string(*b.DeletedBy), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE bookings SET
			version = $3,
			start_at = $4, end_at = $5, timezone = $6,
			session_state = $7, session_outcome = $8, payment_state = $9, dispute_state = $10,
			amount_cents = $11, platform_fee_cents = $12,
			meeting_id = $13, join_url = $14, calendar_event_id = $15,
			checkout_session_id = $16, payment_intent_id = $17,
			updated_at = $18, confirmed_at = $19, cancelled_at = $20, ended_at = $21,
			cancel_reason = $22, cancelled_by = $23, deleted_at = $24, deleted_by = $25,
			package_id = $26
		WHERE id = $1 AND version = $2`,
		b.ID, expectedVersion, b.Version,
		b.Start, b.End, b.Timezone,
		b.SessionState, outcome, b.PaymentState, b.DisputeState,
		b.AmountCents, b.PlatformFeeCents,
		b.MeetingID, b.JoinURL, b.CalendarEventID,
		b.CheckoutSessionID, b.PaymentIntentID,
		b.UpdatedAt, nullTime(b.ConfirmedAt), nullTime(b.CancelledAt), nullTime(b.EndedAt),
		b.CancelReason, cancelledBy, nullTime(b.DeletedAt), deletedBy,
		b.PackageID,
	)
	if err != nil {
		return booking.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return booking.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	if affected == 0 {
		// Either the row is gone or the version moved under us. Distinguish
		// so callers retry only genuine version races.
		var exists bool
		if err := t.tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1 AND deleted_at IS NULL)`, b.ID).Scan(&exists); err != nil {
			return booking.Booking{}, fmt.Errorf("update booking: %w", err)
		}
		if !exists {
			return booking.Booking{}, ErrNotFound
		}
		return booking.Booking{}, ErrOptimisticLock
	}
	return b, nil
}

func (t *postgresTx) TimeConflictExists(ctx context.Context, tutorID int64, start, end time.Time, excludeID int64) (bool, error) {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, conflictQuery, tutorID, start, end, excludeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("conflict query: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) RecordPayment(ctx context.Context, p Payment) (Payment, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO payments (booking_id, external_session_id, external_intent_id, amount_cents, currency, state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		p.BookingID, p.ExternalSessionID, p.ExternalIntentID, p.AmountCents, p.Currency, p.State, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

func (t *postgresTx) CapturePayment(ctx context.Context, paymentID int64, externalIntentID string) (Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		return Payment{}, err
	}
	if p.State == PaymentRowCaptured {
		// Repeat capture with the same intent id is a replay, not a failure.
		if externalIntentID == "" || p.ExternalIntentID == externalIntentID {
			return p, nil
		}
		return Payment{}, fmt.Errorf("payment %d already captured under intent %s", paymentID, p.ExternalIntentID)
	}
	p.State = PaymentRowCaptured
	if externalIntentID != "" {
		p.ExternalIntentID = externalIntentID
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE payments SET state = $2, external_intent_id = $3 WHERE id = $1`,
		p.ID, p.State, p.ExternalIntentID); err != nil {
		return Payment{}, fmt.Errorf("capture payment: %w", err)
	}
	return p, nil
}

func (t *postgresTx) FailPayment(ctx context.Context, paymentID int64) (Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		return Payment{}, err
	}
	if p.State == PaymentRowCaptured || p.State == PaymentRowRefunded {
		// A failure event that lost the race to a capture is stale.
		return p, nil
	}
	p.State = PaymentRowFailed
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE payments SET state = $2 WHERE id = $1`, p.ID, p.State); err != nil {
		return Payment{}, fmt.Errorf("fail payment: %w", err)
	}
	return p, nil
}

func (t *postgresTx) RecordRefund(ctx context.Context, r Refund) (Refund, bool, error) {
	// The insert runs inside a savepoint so a unique violation does not abort
	// the enclosing transaction before we can re-read the winning row.
	insertErr := t.Savepoint(ctx, "record_refund", func() error {
		return t.tx.QueryRowContext(ctx, `
			INSERT INTO refunds (payment_id, booking_id, external_refund_id, amount_cents, reason, failed, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id`,
			r.PaymentID, r.BookingID, r.ExternalRefundID, r.AmountCents, r.Reason, r.Failed, r.CreatedAt,
		).Scan(&r.ID)
	})
	if insertErr == nil {
		return r, false, nil
	}
	if !isUniqueViolation(insertErr) {
		return Refund{}, false, fmt.Errorf("insert refund: %w", insertErr)
	}
	var existing Refund
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, payment_id, booking_id, external_refund_id, amount_cents, reason, failed, created_at
		FROM refunds WHERE external_refund_id = $1`, r.ExternalRefundID).
		Scan(&existing.ID, &existing.PaymentID, &existing.BookingID, &existing.ExternalRefundID,
			&existing.AmountCents, &existing.Reason, &existing.Failed, &existing.CreatedAt)
	if err != nil {
		return Refund{}, false, fmt.Errorf("read existing refund: %w", err)
	}
	existing.CreatedAt = existing.CreatedAt.UTC()
	return existing, true, nil
}

func (t *postgresTx) RefundsForPayment(ctx context.Context, paymentID int64) ([]Refund, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, payment_id, booking_id, external_refund_id, amount_cents, reason, failed, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("refunds query: %w", err)
	}
	defer rows.Close()
	var out []Refund
	for rows.Next() {
		var r Refund
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.BookingID, &r.ExternalRefundID,
			&r.AmountCents, &r.Reason, &r.Failed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *postgresTx) MarkWebhookProcessed(ctx context.Context, event ProcessedWebhook) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_webhooks (event_id, event_type, occurred_at, received_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.OccurredAt, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	return affected == 1, nil
}

func (t *postgresTx) WalletAdd(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	return walletAdd(ctx, t.tx, studentID, amountCents)
}

func (t *postgresTx) WalletDeduct(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	return walletDeduct(ctx, t.tx, studentID, amountCents)
}

func (t *postgresTx) DecrementPackage(ctx context.Context, packageID int64) (booking.Package, error) {
	var p booking.Package
	err := t.tx.QueryRowContext(ctx, `
		UPDATE packages
		SET remaining_sessions = remaining_sessions - 1
		WHERE id = $1 AND remaining_sessions > 0 AND expired = FALSE AND expires_at > now()
		RETURNING id, student_id, tutor_id, total_sessions, remaining_sessions, expires_at, expired, created_at`,
		packageID).
		Scan(&p.ID, &p.StudentID, &p.TutorID, &p.TotalSessions, &p.RemainingSessions, &p.ExpiresAt, &p.Expired, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Package{}, ErrNotFound
	}
	if err != nil {
		return booking.Package{}, fmt.Errorf("decrement package: %w", err)
	}
	return p, nil
}

func (t *postgresTx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT `+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT `+pq.QuoteIdentifier(name)); rbErr != nil {
			return fmt.Errorf("rollback to savepoint after %v: %w", err, rbErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT `+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}
