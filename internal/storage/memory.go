package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutorhive/server/internal/booking"
)

// MemoryStore is an in-memory Store for development and tests. Transactions
// are serialized under one mutex and roll back by restoring a snapshot, which
// gives the same observable semantics as the Postgres backend at the cost of
// concurrency the tests do not need.
type MemoryStore struct {
	// NowFunc overrides the store clock in tests; nil reads the OS clock.
	NowFunc func() time.Time

	mu sync.Mutex

	bookings map[int64]booking.Booking
	payments map[int64]Payment
	refunds  map[int64]Refund
	webhooks map[string]ProcessedWebhook
	wallets  map[int64]Wallet
	slots    map[int64][]booking.AvailabilitySlot
	blackout map[int64][]booking.Blackout
	packages map[int64]booking.Package

	nextBookingID int64
	nextPaymentID int64
	nextRefundID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[int64]booking.Booking),
		payments: make(map[int64]Payment),
		refunds:  make(map[int64]Refund),
		webhooks: make(map[string]ProcessedWebhook),
		wallets:  make(map[int64]Wallet),
		slots:    make(map[int64][]booking.AvailabilitySlot),
		blackout: make(map[int64][]booking.Blackout),
		packages: make(map[int64]booking.Package),
	}
}

func cloneBooking(b booking.Booking) booking.Booking {
	out := b
	if b.Outcome != nil {
		o := *b.Outcome
		out.Outcome = &o
	}
	if b.CancelledBy != nil {
		r := *b.CancelledBy
		out.CancelledBy = &r
	}
	if b.DeletedBy != nil {
		r := *b.DeletedBy
		out.DeletedBy = &r
	}
	out.ConfirmedAt = cloneTime(b.ConfirmedAt)
	out.CancelledAt = cloneTime(b.CancelledAt)
	out.EndedAt = cloneTime(b.EndedAt)
	out.DeletedAt = cloneTime(b.DeletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *MemoryStore) snapshot() *MemoryStore {
	snap := NewMemoryStore()
	for id, b := range s.bookings {
		snap.bookings[id] = cloneBooking(b)
	}
	for id, p := range s.payments {
		snap.payments[id] = p
	}
	for id, r := range s.refunds {
		snap.refunds[id] = r
	}
	for id, w := range s.webhooks {
		snap.webhooks[id] = w
	}
	for id, w := range s.wallets {
		snap.wallets[id] = w
	}
	for id, p := range s.packages {
		snap.packages[id] = p
	}
	snap.nextBookingID = s.nextBookingID
	snap.nextPaymentID = s.nextPaymentID
	snap.nextRefundID = s.nextRefundID
	return snap
}

func (s *MemoryStore) restore(snap *MemoryStore) {
	s.bookings = snap.bookings
	s.payments = snap.payments
	s.refunds = snap.refunds
	s.webhooks = snap.webhooks
	s.wallets = snap.wallets
	s.packages = snap.packages
	s.nextBookingID = snap.nextBookingID
	s.nextPaymentID = snap.nextPaymentID
	s.nextRefundID = snap.nextRefundID
}

func (s *MemoryStore) GetBooking(ctx context.Context, id int64) (booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.DeletedAt != nil {
		return booking.Booking{}, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (s *MemoryStore) timeConflictLocked(tutorID int64, start, end time.Time, excludeID int64) bool {
	for _, b := range s.bookings {
		if b.TutorID != tutorID || b.ID == excludeID || b.DeletedAt != nil {
			continue
		}
		if b.SessionState.IsTerminal() {
			continue
		}
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateBooking(ctx context.Context, b booking.Booking) (booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeConflictLocked(b.TutorID, b.Start, b.End, 0) {
		return booking.Booking{}, ErrTimeConflict
	}
	s.nextBookingID++
	b.ID = s.nextBookingID
	s.bookings[b.ID] = cloneBooking(b)
	return b, nil
}

func (s *MemoryStore) TimeConflictExists(ctx context.Context, tutorID int64, start, end time.Time, excludeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeConflictLocked(tutorID, start, end, excludeID), nil
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) DBNow(ctx context.Context) (time.Time, error) {
	if s.NowFunc != nil {
		return s.NowFunc(), nil
	}
	return time.Now().UTC(), nil
}

func (s *MemoryStore) RequestsDueForExpiry(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	return s.selectIDs(limit, func(b booking.Booking) bool {
		return b.SessionState == booking.SessionRequested && b.CreatedAt.Before(olderThan)
	}, func(a, b booking.Booking) bool { return a.CreatedAt.Before(b.CreatedAt) })
}

func (s *MemoryStore) ScheduledReadyToStart(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	return s.selectIDs(limit, func(b booking.Booking) bool {
		return b.SessionState == booking.SessionScheduled && !b.Start.After(now)
	}, func(a, b booking.Booking) bool { return a.Start.Before(b.Start) })
}

func (s *MemoryStore) ActivePastEnd(ctx context.Context, endedBefore time.Time, limit int) ([]int64, error) {
	return s.selectIDs(limit, func(b booking.Booking) bool {
		return b.SessionState == booking.SessionActive && !b.End.After(endedBefore)
	}, func(a, b booking.Booking) bool { return a.End.Before(b.End) })
}

func (s *MemoryStore) ScheduledForReminder(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]int64, error) {
	return s.selectIDs(limit, func(b booking.Booking) bool {
		return b.SessionState == booking.SessionScheduled &&
			!b.Start.Before(windowStart) && b.Start.Before(windowEnd)
	}, func(a, b booking.Booking) bool { return a.Start.Before(b.Start) })
}

func (s *MemoryStore) selectIDs(limit int, match func(booking.Booking) bool, less func(a, b booking.Booking) bool) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []booking.Booking
	for _, b := range s.bookings {
		if b.DeletedAt == nil && match(b) {
			hits = append(hits, b)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return less(hits[i], hits[j]) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]int64, len(hits))
	for i, b := range hits {
		ids[i] = b.ID
	}
	return ids, nil
}

func (s *MemoryStore) SetMeetingHandles(ctx context.Context, bookingID int64, meetingID, joinURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.MeetingID = meetingID
	b.JoinURL = joinURL
	s.bookings[bookingID] = b
	return nil
}

func (s *MemoryStore) SetCalendarEventID(ctx context.Context, bookingID int64, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.CalendarEventID = eventID
	s.bookings[bookingID] = b
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id int64) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) GetPaymentByExternalSession(ctx context.Context, externalSessionID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ExternalSessionID != "" && p.ExternalSessionID == externalSessionID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (s *MemoryStore) GetPaymentByExternalIntent(ctx context.Context, externalIntentID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ExternalIntentID != "" && p.ExternalIntentID == externalIntentID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (s *MemoryStore) PaymentsForBooking(ctx context.Context, bookingID int64) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payment
	for _, p := range s.payments {
		if p.BookingID == bookingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RefundsForPayment(ctx context.Context, paymentID int64) ([]Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) WalletAdd(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletAddLocked(studentID, amountCents)
}

func (s *MemoryStore) walletAddLocked(studentID int64, amountCents int64) (int64, error) {
	w := s.wallets[studentID]
	w.StudentID = studentID
	w.CreditBalanceCents += amountCents
	w.UpdatedAt = time.Now().UTC()
	s.wallets[studentID] = w
	return w.CreditBalanceCents, nil
}

func (s *MemoryStore) WalletDeduct(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletDeductLocked(studentID, amountCents)
}

func (s *MemoryStore) walletDeductLocked(studentID int64, amountCents int64) (int64, error) {
	w := s.wallets[studentID]
	if w.CreditBalanceCents < amountCents {
		return 0, ErrInsufficientFunds
	}
	w.StudentID = studentID
	w.CreditBalanceCents -= amountCents
	w.UpdatedAt = time.Now().UTC()
	s.wallets[studentID] = w
	return w.CreditBalanceCents, nil
}

func (s *MemoryStore) WalletBalance(ctx context.Context, studentID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[studentID].CreditBalanceCents, nil
}

func (s *MemoryStore) CleanupProcessedWebhooks(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, w := range s.webhooks {
		if w.ReceivedAt.Before(olderThan) {
			delete(s.webhooks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SlotsForTutor(ctx context.Context, tutorID int64) ([]booking.AvailabilitySlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]booking.AvailabilitySlot(nil), s.slots[tutorID]...), nil
}

func (s *MemoryStore) BlackoutsForTutor(ctx context.Context, tutorID int64, from, to time.Time) ([]booking.Blackout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.Blackout
	for _, bl := range s.blackout[tutorID] {
		if bl.Start.Before(to) && bl.End.After(from) {
			out = append(out, bl)
		}
	}
	return out, nil
}

// AddSlot and AddBlackout seed availability data for tests.
func (s *MemoryStore) AddSlot(slot booking.AvailabilitySlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot.TutorID] = append(s.slots[slot.TutorID], slot)
}

func (s *MemoryStore) AddBlackout(bl booking.Blackout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackout[bl.TutorID] = append(s.blackout[bl.TutorID], bl)
}

// PutPackage seeds a package for tests.
func (s *MemoryStore) PutPackage(p booking.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[p.ID] = p
}

func (s *MemoryStore) GetPackage(ctx context.Context, id int64) (booking.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return booking.Package{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) MarkExpiredPackages(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked int64
	for id, p := range s.packages {
		if !p.Expired && !p.ExpiresAt.After(now) {
			p.Expired = true
			s.packages[id] = p
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx operates directly on the store's maps. The caller already holds
// the store mutex for the duration of Transact, and rollback is handled by
// the snapshot taken there.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) GetBookingForUpdate(ctx context.Context, id int64) (booking.Booking, error) {
	b, ok := t.store.bookings[id]
	if !ok || b.DeletedAt != nil {
		return booking.Booking{}, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (t *memoryTx) UpdateBooking(ctx context.Context, b booking.Booking, expectedVersion int64) (booking.Booking, error) {
	current, ok := t.store.bookings[b.ID]
	if !ok || current.DeletedAt != nil {
		return booking.Booking{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return booking.Booking{}, ErrOptimisticLock
	}
	t.store.bookings[b.ID] = cloneBooking(b)
	return b, nil
}

func (t *memoryTx) TimeConflictExists(ctx context.Context, tutorID int64, start, end time.Time, excludeID int64) (bool, error) {
	return t.store.timeConflictLocked(tutorID, start, end, excludeID), nil
}

func (t *memoryTx) RecordPayment(ctx context.Context, p Payment) (Payment, error) {
	t.store.nextPaymentID++
	p.ID = t.store.nextPaymentID
	t.store.payments[p.ID] = p
	return p, nil
}

func (t *memoryTx) CapturePayment(ctx context.Context, paymentID int64, externalIntentID string) (Payment, error) {
	p, ok := t.store.payments[paymentID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if p.State == PaymentRowCaptured {
		return p, nil
	}
	p.State = PaymentRowCaptured
	if externalIntentID != "" {
		p.ExternalIntentID = externalIntentID
	}
	t.store.payments[paymentID] = p
	return p, nil
}

func (t *memoryTx) FailPayment(ctx context.Context, paymentID int64) (Payment, error) {
	p, ok := t.store.payments[paymentID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if p.State != PaymentRowCaptured && p.State != PaymentRowRefunded {
		p.State = PaymentRowFailed
		t.store.payments[paymentID] = p
	}
	return p, nil
}

func (t *memoryTx) RecordRefund(ctx context.Context, r Refund) (Refund, bool, error) {
	for _, existing := range t.store.refunds {
		if existing.ExternalRefundID == r.ExternalRefundID {
			return existing, true, nil
		}
	}
	t.store.nextRefundID++
	r.ID = t.store.nextRefundID
	t.store.refunds[r.ID] = r
	return r, false, nil
}

func (t *memoryTx) RefundsForPayment(ctx context.Context, paymentID int64) ([]Refund, error) {
	var out []Refund
	for _, r := range t.store.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) MarkWebhookProcessed(ctx context.Context, event ProcessedWebhook) (bool, error) {
	if _, seen := t.store.webhooks[event.EventID]; seen {
		return false, nil
	}
	t.store.webhooks[event.EventID] = event
	return true, nil
}

func (t *memoryTx) WalletAdd(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	return t.store.walletAddLocked(studentID, amountCents)
}

func (t *memoryTx) WalletDeduct(ctx context.Context, studentID int64, amountCents int64) (int64, error) {
	return t.store.walletDeductLocked(studentID, amountCents)
}

func (t *memoryTx) DecrementPackage(ctx context.Context, packageID int64) (booking.Package, error) {
	p, ok := t.store.packages[packageID]
	if !ok || !p.Usable(time.Now().UTC()) {
		return booking.Package{}, ErrNotFound
	}
	p.RemainingSessions--
	t.store.packages[packageID] = p
	return p, nil
}

func (t *memoryTx) Savepoint(ctx context.Context, name string, fn func() error) error {
	snap := t.store.snapshot()
	if err := fn(); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}
