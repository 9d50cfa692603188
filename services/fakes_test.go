package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malwarebo/mentorpay/dispatch"
	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/stores"
)

type memPayments struct {
	mu      sync.Mutex
	rows    map[string]*models.PaymentRecord
	markErr error
}

func newMemPayments() *memPayments {
	return &memPayments{rows: map[string]*models.PaymentRecord{}}
}

func (m *memPayments) put(p *models.PaymentRecord) *models.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	m.rows[p.ID] = p
	return p
}

func (m *memPayments) get(id string) *models.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *m.rows[id]
	return &copied
}

func (m *memPayments) InsertIfAbsent(_ context.Context, p *models.PaymentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ExternalPaymentIntentID == p.ExternalPaymentIntentID {
			return false, nil
		}
	}
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now()
	copied := *p
	m.rows[p.ID] = &copied
	return true, nil
}

func (m *memPayments) GetByID(_ context.Context, id string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, stores.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (m *memPayments) GetByIntentID(_ context.Context, intentID string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ExternalPaymentIntentID == intentID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, stores.ErrNotFound
}

func (m *memPayments) AdvanceStatus(_ context.Context, id string, status models.PlatformStatus, fields map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || !row.PlatformStatus.CanAdvanceTo(status) {
		return false, nil
	}
	row.PlatformStatus = status
	if v, ok := fields["refund_id"].(string); ok {
		row.RefundID = &v
	}
	if v, ok := fields["external_status"].(string); ok {
		row.ExternalStatus = v
	}
	return true, nil
}

func (m *memPayments) ClaimDispatch(_ context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.DispatchedAt != nil {
		return false, nil
	}
	if row.DispatchClaimedAt != nil && !row.DispatchClaimedAt.Before(now.Add(-lease)) {
		return false, nil
	}
	row.DispatchClaimedAt = &now
	return true, nil
}

func (m *memPayments) ReleaseDispatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok && row.DispatchedAt == nil {
		row.DispatchClaimedAt = nil
	}
	return nil
}

func (m *memPayments) MarkDispatched(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	if row, ok := m.rows[id]; ok && row.DispatchedAt == nil {
		row.DispatchedAt = &at
	}
	return nil
}

func (m *memPayments) ListUndispatched(_ context.Context, olderThan time.Duration, limit int) ([]*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PaymentRecord
	cutoff := time.Now().Add(-olderThan)
	for _, row := range m.rows {
		if row.DispatchedAt == nil && row.PlatformStatus == models.PlatformStatusSucceeded && row.CreatedAt.Before(cutoff) {
			copied := *row
			out = append(out, &copied)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memSaga struct {
	mu    sync.Mutex
	steps map[string]models.SagaLog
}

func newMemSaga() *memSaga {
	return &memSaga{steps: map[string]models.SagaLog{}}
}

func (m *memSaga) RecordStep(_ context.Context, step *models.SagaStep) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[step.PaymentID].Has(step.Step) {
		return false, nil
	}
	copied := *step
	if copied.Attempt == 0 {
		copied.Attempt = 1
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.steps[step.PaymentID] = append(m.steps[step.PaymentID], &copied)
	return true, nil
}

func (m *memSaga) Steps(_ context.Context, paymentID string) (models.SagaLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(models.SagaLog, 0, len(m.steps[paymentID]))
	for _, s := range m.steps[paymentID] {
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memSaga) Reclaim(_ context.Context, paymentID string, attempt int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim := m.steps[paymentID].Get(models.SagaStepBookingAttempted)
	if claim == nil || claim.Attempt != attempt {
		return false, nil
	}
	claim.Attempt++
	claim.CreatedAt = time.Now()
	return true, nil
}

func (m *memSaga) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]*models.StuckSaga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StuckSaga
	for paymentID, log := range m.steps {
		claim := log.Get(models.SagaStepBookingAttempted)
		if claim == nil || !claim.CreatedAt.Before(cutoff) || log.Has(models.SagaStepCompensationResult) {
			continue
		}
		if r := log.Get(models.SagaStepBookingResult); r != nil && r.Outcome == models.SagaOutcomeSucceeded {
			continue
		}
		out = append(out, &models.StuckSaga{PaymentID: paymentID, AttemptedAt: claim.CreatedAt})
	}
	return out, nil
}

// backdate moves the booking claim of a payment into the past.
func (m *memSaga) backdate(paymentID string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim := m.steps[paymentID].Get(models.SagaStepBookingAttempted); claim != nil {
		claim.CreatedAt = claim.CreatedAt.Add(-by)
	}
}

func (m *memSaga) step(paymentID string, name models.SagaStepName) *models.SagaStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.steps[paymentID].Get(name); s != nil {
		copied := *s
		return &copied
	}
	return nil
}

func (m *memSaga) outcome(paymentID string, step models.SagaStepName) models.SagaOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.steps[paymentID].Get(step); s != nil {
		return s.Outcome
	}
	return ""
}

type memBookings struct {
	mu   sync.Mutex
	rows map[string]*models.BookingRecord
}

func newMemBookings() *memBookings {
	return &memBookings{rows: map[string]*models.BookingRecord{}}
}

func (m *memBookings) InsertIfAbsent(_ context.Context, b *models.BookingRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ExternalBookingID == b.ExternalBookingID || row.ExternalUID == b.ExternalUID {
			return false, nil
		}
	}
	b.ID = uuid.NewString()
	copied := *b
	m.rows[b.ID] = &copied
	return true, nil
}

func (m *memBookings) GetByUID(_ context.Context, uid string) (*models.BookingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ExternalUID == uid {
			copied := *row
			return &copied, nil
		}
	}
	return nil, stores.ErrNotFound
}

func (m *memBookings) GetByExternalID(_ context.Context, id int64) (*models.BookingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ExternalBookingID == id {
			copied := *row
			return &copied, nil
		}
	}
	return nil, stores.ErrNotFound
}

func (m *memBookings) ExistsByPaymentRef(_ context.Context, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.PaymentRef != nil && *row.PaymentRef == paymentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memBookings) UpdateStatus(_ context.Context, id string, from, to models.BookingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	return true, nil
}

func (m *memBookings) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memTokens struct {
	mu          sync.Mutex
	rows        map[string]*models.OAuthTokenRecord
	upserts     int
	needsReauth map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{rows: map[string]*models.OAuthTokenRecord{}, needsReauth: map[string]string{}}
}

func (m *memTokens) GetByMentorID(_ context.Context, mentorID string) (*models.OAuthTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[mentorID]
	if !ok {
		return nil, stores.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (m *memTokens) Upsert(_ context.Context, r *models.OAuthTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *r
	m.rows[r.MentorID] = &copied
	m.upserts++
	delete(m.needsReauth, r.MentorID)
	return nil
}

func (m *memTokens) MarkNeedsReauth(_ context.Context, mentorID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[mentorID]; ok {
		row.IntegrationStatus = models.IntegrationStatusNeedsReauth
		row.IntegrationError = reason
	}
	m.needsReauth[mentorID] = reason
	return nil
}

type fakeRefresher struct {
	mu          sync.Mutex
	normalCalls int
	forcedCalls int
	normalErr   error
	forcedErr   error
	delay       time.Duration
	pair        *models.TokenPair
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ string) (*models.TokenPair, error) {
	f.mu.Lock()
	f.normalCalls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.normalErr != nil {
		return nil, f.normalErr
	}
	return f.pair, nil
}

func (f *fakeRefresher) ForceRefresh(ctx context.Context, _ int64) (*models.TokenPair, error) {
	f.mu.Lock()
	f.forcedCalls++
	f.mu.Unlock()
	if f.forcedErr != nil {
		return nil, f.forcedErr
	}
	return f.pair, nil
}

func (f *fakeRefresher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.normalCalls, f.forcedCalls
}

type fakeLocker struct {
	mu    sync.Mutex
	locks int
}

func (l *fakeLocker) LockWait(context.Context, string, time.Duration, time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	l.locks++
	l.mu.Unlock()
	return func(context.Context) error { return nil }, nil
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return s.token, s.err
}

type fakeCreator struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (f *fakeCreator) CreateBooking(ctx context.Context, _ string, _ models.BookingRequest, paymentID string) (*models.CreatedBooking, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.CreatedBooking{ID: 42, UID: "uid-" + paymentID, Status: "accepted"}, nil
}

func (f *fakeCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRefunds refunds amount in full when the request leaves Amount unset.
type fakeRefunds struct {
	mu     sync.Mutex
	calls  []*models.RefundRequest
	errs   []error
	amount int64
}

func (f *fakeRefunds) Refund(_ context.Context, req *models.RefundRequest) (*models.RefundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	amount := req.Amount
	if amount == 0 {
		amount = f.amount
	}
	return &models.RefundResponse{ID: "re_" + req.PaymentIntentID, Amount: amount, Currency: "usd", Status: "succeeded"}, nil
}

func (f *fakeRefunds) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// passthroughExecutor applies the deadline without a breaker.
type passthroughExecutor struct{}

func (passthroughExecutor) Execute(ctx context.Context, _ string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatch.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e *dispatch.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

var errBoom = errors.New("boom")
