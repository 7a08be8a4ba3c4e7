package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhive/server/internal/booking"
)

func testBooking(tutorID int64, start time.Time) booking.Booking {
	return booking.Booking{
		Version:        1,
		StudentID:      101,
		TutorID:        tutorID,
		TutorProfileID: 301,
		Start:          start,
		End:            start.Add(time.Hour),
		Timezone:       "UTC",
		SessionState:   booking.SessionRequested,
		PaymentState:   booking.PaymentPending,
		DisputeState:   booking.DisputeNone,
		AmountCents:    5000,
		Currency:       "USD",
		CreatedAt:      start.Add(-24 * time.Hour),
		UpdatedAt:      start.Add(-24 * time.Hour),
	}
}

func TestCreateBookingRejectsOverlap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	first, err := store.CreateBooking(ctx, testBooking(7, start))
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	// Same tutor, overlapping window.
	_, err = store.CreateBooking(ctx, testBooking(7, start.Add(30*time.Minute)))
	assert.ErrorIs(t, err, ErrTimeConflict)

	// Touching window is allowed under half-open semantics.
	_, err = store.CreateBooking(ctx, testBooking(7, start.Add(time.Hour)))
	assert.NoError(t, err)

	// Different tutor, same window.
	_, err = store.CreateBooking(ctx, testBooking(8, start))
	assert.NoError(t, err)
}

func TestCreateBookingIgnoresTerminalRows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	b := testBooking(7, start)
	b.SessionState = booking.SessionCancelled
	_, err := store.CreateBooking(ctx, b)
	require.NoError(t, err)

	_, err = store.CreateBooking(ctx, testBooking(7, start))
	assert.NoError(t, err)
}

func TestConcurrentOverlappingCreates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	const attempts = 16
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateBooking(ctx, testBooking(7, start))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var created, conflicted int
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrTimeConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, conflicted)
}

func TestUpdateBookingOptimisticLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	b, err := store.CreateBooking(ctx, testBooking(7, start))
	require.NoError(t, err)

	err = store.Transact(ctx, func(tx Tx) error {
		got, err := tx.GetBookingForUpdate(ctx, b.ID)
		require.NoError(t, err)
		got.SessionState = booking.SessionScheduled
		got.Version = 2
		_, err = tx.UpdateBooking(ctx, got, 1)
		return err
	})
	require.NoError(t, err)

	// A second writer still holding version 1 loses.
	err = store.Transact(ctx, func(tx Tx) error {
		stale := b
		stale.SessionState = booking.SessionCancelled
		stale.Version = 2
		_, err := tx.UpdateBooking(ctx, stale, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrOptimisticLock)

	got, err := store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionScheduled, got.SessionState)
	assert.Equal(t, int64(2), got.Version)
}

func TestTransactRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	b, err := store.CreateBooking(ctx, testBooking(7, start))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Transact(ctx, func(tx Tx) error {
		got, err := tx.GetBookingForUpdate(ctx, b.ID)
		require.NoError(t, err)
		got.SessionState = booking.SessionCancelled
		got.Version = 2
		if _, err := tx.UpdateBooking(ctx, got, 1); err != nil {
			return err
		}
		if _, err := tx.WalletAdd(ctx, b.StudentID, 5000); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionRequested, got.SessionState)
	assert.Equal(t, int64(1), got.Version)

	balance, err := store.WalletBalance(ctx, b.StudentID)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestWalletConcurrentCredits(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.WalletAdd(ctx, 101, 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := store.WalletBalance(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*100), balance)
}

func TestWalletDeductFloor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.WalletAdd(ctx, 101, 500)
	require.NoError(t, err)

	_, err = store.WalletDeduct(ctx, 101, 600)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := store.WalletDeduct(ctx, 101, 500)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestWebhookDedupe(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	event := ProcessedWebhook{
		EventID:    "evt_abc123",
		EventType:  "checkout.session.completed",
		OccurredAt: now.Add(-time.Minute),
		ReceivedAt: now,
	}

	var first, second bool
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		var err error
		first, err = tx.MarkWebhookProcessed(ctx, event)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		var err error
		second, err = tx.MarkWebhookProcessed(ctx, event)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestWebhookCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, e := range []ProcessedWebhook{
		{EventID: "evt_old", EventType: "x", OccurredAt: now, ReceivedAt: now.Add(-48 * time.Hour)},
		{EventID: "evt_new", EventType: "x", OccurredAt: now, ReceivedAt: now},
	} {
		require.NoError(t, store.Transact(ctx, func(tx Tx) error {
			_, err := tx.MarkWebhookProcessed(ctx, e)
			return err
		}))
	}

	removed, err := store.CleanupProcessedWebhooks(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The recent event still dedupes.
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		ok, err := tx.MarkWebhookProcessed(ctx, ProcessedWebhook{EventID: "evt_new", EventType: "x", OccurredAt: now, ReceivedAt: now})
		assert.False(t, ok)
		return err
	}))
}

// Refund totals are computed inside the transaction, so a row recorded
// earlier in the same transaction is visible and a rolled-back row is not.
func TestRefundsForPaymentReadsInsideTransaction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	b, err := store.CreateBooking(ctx, testBooking(7, start))
	require.NoError(t, err)

	var payment Payment
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		var err error
		payment, err = tx.RecordPayment(ctx, Payment{
			BookingID:   b.ID,
			AmountCents: 5000,
			Currency:    "USD",
			State:       PaymentRowCaptured,
			CreatedAt:   time.Now().UTC(),
		})
		return err
	}))

	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		if _, _, err := tx.RecordRefund(ctx, Refund{
			PaymentID:        payment.ID,
			BookingID:        b.ID,
			ExternalRefundID: "re_inside",
			AmountCents:      2000,
			Reason:           "tutor_cancelled",
			CreatedAt:        time.Now().UTC(),
		}); err != nil {
			return err
		}
		rows, err := tx.RefundsForPayment(ctx, payment.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2000), rows[0].AmountCents)
		return nil
	}))

	// A failed transaction leaves no refund behind for later readers.
	sentinel := errors.New("abort")
	err = store.Transact(ctx, func(tx Tx) error {
		if _, _, err := tx.RecordRefund(ctx, Refund{
			PaymentID:        payment.ID,
			BookingID:        b.ID,
			ExternalRefundID: "re_rolled_back",
			AmountCents:      1000,
			Reason:           "tutor_cancelled",
			CreatedAt:        time.Now().UTC(),
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	rows, err := store.RefundsForPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecordRefundIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	b, err := store.CreateBooking(ctx, testBooking(7, start))
	require.NoError(t, err)

	var payment Payment
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		var err error
		payment, err = tx.RecordPayment(ctx, Payment{
			BookingID:   b.ID,
			AmountCents: 5000,
			Currency:    "USD",
			State:       PaymentRowCaptured,
			CreatedAt:   time.Now().UTC(),
		})
		return err
	}))

	refund := Refund{
		PaymentID:        payment.ID,
		BookingID:        b.ID,
		ExternalRefundID: "re_xyz",
		AmountCents:      5000,
		Reason:           "tutor_cancelled",
		CreatedAt:        time.Now().UTC(),
	}

	var firstID int64
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		got, wasExisting, err := tx.RecordRefund(ctx, refund)
		require.NoError(t, err)
		assert.False(t, wasExisting)
		firstID = got.ID
		return nil
	}))
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		got, wasExisting, err := tx.RecordRefund(ctx, refund)
		require.NoError(t, err)
		assert.True(t, wasExisting)
		assert.Equal(t, firstID, got.ID)
		return nil
	}))

	refunds, err := store.RefundsForPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestCapturePaymentIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)

	b, err := store.CreateBooking(ctx, testBooking(7, start))
	require.NoError(t, err)

	var payment Payment
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		var err error
		payment, err = tx.RecordPayment(ctx, Payment{
			BookingID:   b.ID,
			AmountCents: 5000,
			Currency:    "USD",
			State:       PaymentRowPending,
			CreatedAt:   time.Now().UTC(),
		})
		return err
	}))

	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		got, err := tx.CapturePayment(ctx, payment.ID, "pi_123")
		require.NoError(t, err)
		assert.Equal(t, PaymentRowCaptured, got.State)
		return nil
	}))
	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		got, err := tx.CapturePayment(ctx, payment.ID, "pi_123")
		require.NoError(t, err)
		assert.Equal(t, PaymentRowCaptured, got.State)
		return nil
	}))
}

func TestSchedulerRangeQueries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2030, 3, 4, 12, 0, 0, 0, time.UTC)

	stale := testBooking(7, now.Add(48*time.Hour))
	stale.CreatedAt = now.Add(-25 * time.Hour)
	staleCreated, err := store.CreateBooking(ctx, stale)
	require.NoError(t, err)

	fresh := testBooking(8, now.Add(48*time.Hour))
	fresh.CreatedAt = now.Add(-time.Hour)
	_, err = store.CreateBooking(ctx, fresh)
	require.NoError(t, err)

	due := testBooking(9, now.Add(-10*time.Minute))
	due.SessionState = booking.SessionScheduled
	dueCreated, err := store.CreateBooking(ctx, due)
	require.NoError(t, err)

	running := testBooking(10, now.Add(-2*time.Hour))
	running.SessionState = booking.SessionActive
	runningCreated, err := store.CreateBooking(ctx, running)
	require.NoError(t, err)

	expiry, err := store.RequestsDueForExpiry(ctx, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{staleCreated.ID}, expiry)

	starts, err := store.ScheduledReadyToStart(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{dueCreated.ID}, starts)

	ends, err := store.ActivePastEnd(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{runningCreated.ID}, ends)
}

func TestDecrementPackage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutPackage(booking.Package{
		ID:                1,
		StudentID:         101,
		TutorID:           7,
		TotalSessions:     2,
		RemainingSessions: 1,
		ExpiresAt:         time.Now().UTC().Add(time.Hour),
	})

	require.NoError(t, store.Transact(ctx, func(tx Tx) error {
		p, err := tx.DecrementPackage(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, p.RemainingSessions)
		return nil
	}))

	err := store.Transact(ctx, func(tx Tx) error {
		_, err := tx.DecrementPackage(ctx, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavepointIsolatesFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Transact(ctx, func(tx Tx) error {
		if _, err := tx.WalletAdd(ctx, 101, 1000); err != nil {
			return err
		}
		svErr := tx.Savepoint(ctx, "sub", func() error {
			if _, err := tx.WalletAdd(ctx, 101, 9999); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, svErr, boom)
		return nil
	})
	require.NoError(t, err)

	balance, err := store.WalletBalance(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}
