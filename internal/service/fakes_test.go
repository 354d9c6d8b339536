package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pass-service/internal/gateway"
	"pass-service/internal/models"
	"pass-service/internal/store"
)

// memStore is a PassStore whose guarded writes are atomic under one mutex.
type memStore struct {
	mu     sync.Mutex
	users  map[int64]*models.User
	events map[int64]*models.Event
	passes map[int64]*models.Pass
	nextID int64

	takenOrderIDs int
	createErr     error
	transitionErr error
	// beforeTransition runs outside the lock, ahead of every TransitionPass.
	beforeTransition func(t *models.PassTransition)
}

func newMemStore() *memStore {
	return &memStore{
		users:  map[int64]*models.User{},
		events: map[int64]*models.Event{},
		passes: map[int64]*models.Pass{},
	}
}

func (m *memStore) addUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *memStore) addEvent(e models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = &e
}

func (m *memStore) user(id int64) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *memStore) pass(id int64) *models.Pass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePass(m.passes[id])
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.passes)
}

func clonePass(p *models.Pass) *models.Pass {
	cp := *p
	cp.Friends = append(models.FriendList(nil), p.Friends...)
	cp.EntryTokens = append([]models.EntryToken(nil), p.EntryTokens...)
	if p.PassUUID != nil {
		u := *p.PassUUID
		cp.PassUUID = &u
	}
	return &cp
}

func (m *memStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetEventByID(ctx context.Context, id int64) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) CreatePass(ctx context.Context, pass *models.Pass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	pass.ID = m.nextID
	pass.UpdatedAt = pass.CreatedAt
	m.passes[pass.ID] = clonePass(pass)
	return nil
}

func (m *memStore) AttachGatewayOrder(ctx context.Context, passID int64, gatewayOrderID, paymentURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passes[passID]
	if !ok {
		return store.ErrNotFound
	}
	p.GatewayOrderID = gatewayOrderID
	p.PaymentURL = paymentURL
	return nil
}

func (m *memStore) find(match func(p *models.Pass) bool) (*models.Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passes {
		if match(p) {
			return clonePass(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetPassByID(ctx context.Context, id int64) (*models.Pass, error) {
	return m.find(func(p *models.Pass) bool { return p.ID == id })
}

func (m *memStore) GetPassByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Pass, error) {
	return m.find(func(p *models.Pass) bool { return p.MerchantOrderID == merchantOrderID })
}

func (m *memStore) GetPassByUUID(ctx context.Context, passUUID string) (*models.Pass, error) {
	return m.find(func(p *models.Pass) bool { return p.UUID() == passUUID && passUUID != "" })
}

func (m *memStore) MerchantOrderIDExists(ctx context.Context, merchantOrderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takenOrderIDs > 0 {
		m.takenOrderIDs--
		return true, nil
	}
	for _, p := range m.passes {
		if p.MerchantOrderID == merchantOrderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListCompletedPasses(ctx context.Context, userID, eventID int64) ([]models.Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pass
	for id := int64(1); id <= m.nextID; id++ {
		p, ok := m.passes[id]
		if ok && p.UserID == userID && p.EventID == eventID && p.PaymentStatus == models.PaymentStatusCompleted {
			out = append(out, *clonePass(p))
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pass
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		p, ok := m.passes[id]
		if ok && p.Status == models.PassStatusPending && p.ExpiresAt.Before(now) {
			out = append(out, *clonePass(p))
		}
	}
	return out, nil
}

func (m *memStore) TransitionPass(ctx context.Context, t *models.PassTransition) (bool, error) {
	if m.beforeTransition != nil {
		m.beforeTransition(t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return false, m.transitionErr
	}
	p, ok := m.passes[t.PassID]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.State() != t.From {
		return false, nil
	}
	if t.ExpiresBefore != nil && !p.ExpiresAt.Before(*t.ExpiresBefore) {
		return false, nil
	}

	p.Status = t.To.Status
	p.PaymentStatus = t.To.PaymentStatus
	if t.PassUUID != "" && p.PassUUID == nil {
		u := t.PassUUID
		p.PassUUID = &u
	}
	if t.ConfirmedAt != nil {
		p.ConfirmedAt = t.ConfirmedAt
	}
	if t.PaymentDetails != nil {
		p.PaymentDetails = t.PaymentDetails
	}
	p.EntryTokens = append(p.EntryTokens, t.EntryTokens...)
	if t.IncrementOwner {
		if u, ok := m.users[p.UserID]; ok {
			u.ActivePasses++
		}
	}
	return true, nil
}

func (m *memStore) MarkEntryScanned(ctx context.Context, passID int64, tokenID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passes[passID]
	if !ok {
		return false, store.ErrNotFound
	}
	for i := range p.EntryTokens {
		if p.EntryTokens[i].ID != tokenID {
			continue
		}
		if p.EntryTokens[i].ScannedAt != nil {
			return false, nil
		}
		ts := at
		p.EntryTokens[i].ScannedAt = &ts
		return true, nil
	}
	return false, fmt.Errorf("entry token %s: %w", tokenID, store.ErrNotFound)
}

type fakeGateway struct {
	mu        sync.Mutex
	created   []gateway.CreateOrderRequest
	createErr error
	statuses  map[string]*gateway.OrderStatus
	statusErr error
	calls     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]*gateway.OrderStatus{}}
}

func (g *fakeGateway) setState(merchantOrderID string, state gateway.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[merchantOrderID] = &gateway.OrderStatus{
		MerchantOrderID: merchantOrderID,
		OrderID:         "OMO" + merchantOrderID,
		State:           state,
		TransactionID:   "T" + merchantOrderID,
	}
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.Order{
		GatewayOrderID: "OMO" + req.MerchantOrderID,
		PaymentURL:     "https://pay.example/" + req.MerchantOrderID,
		State:          "PENDING",
	}, nil
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, merchantOrderID string) (*gateway.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	st, ok := g.statuses[merchantOrderID]
	if !ok {
		return &gateway.OrderStatus{MerchantOrderID: merchantOrderID, State: gateway.StatePending}, nil
	}
	cp := *st
	return &cp, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingPublisher) record(t string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	return nil
}

func (r *recordingPublisher) count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.types {
		if got == t {
			n++
		}
	}
	return n
}

func (r *recordingPublisher) PublishPassCreated(ctx context.Context, e *models.PassCreatedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingPublisher) PublishPassConfirmed(ctx context.Context, e *models.PassConfirmedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingPublisher) PublishPassPaymentFailed(ctx context.Context, e *models.PassPaymentFailedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingPublisher) PublishPassExpired(ctx context.Context, e *models.PassExpiredEvent) error {
	return r.record(e.EventType)
}

func (r *recordingPublisher) PublishEntryRedeemed(ctx context.Context, e *models.EntryRedeemedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingPublisher) PublishRecheckRequested(ctx context.Context, e *models.PassRecheckRequestedEvent) error {
	return r.record(e.EventType)
}

type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]string
	calls int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = owner
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == owner {
		delete(l.held, key)
	}
	return nil
}

// fixture is a store seeded with one buyer, one organizer and one event.
type fixture struct {
	store      *memStore
	gw         *fakeGateway
	pub        *recordingPublisher
	booking    *BookingService
	reconciler *Reconciler
	redemption *RedemptionService
	now        time.Time
}

const (
	buyerID     int64 = 1
	organizerID int64 = 2
	eventID     int64 = 10
	unitPrice   int64 = 500
)

func newFixture(remainingSeats int) *fixture {
	st := newMemStore()
	st.addUser(models.User{ID: buyerID, Name: "Buyer", Email: "buyer@example.com", Role: models.RoleUser})
	st.addUser(models.User{ID: organizerID, Name: "Org", Email: "org@example.com", Role: models.RoleEventManager})
	st.addEvent(models.Event{
		ID:             eventID,
		Title:          "Launch Night",
		Venue:          "Hall A",
		StartsAt:       time.Date(2026, 12, 1, 19, 0, 0, 0, time.UTC),
		TicketPrice:    unitPrice,
		RemainingSeats: remainingSeats,
		OrganizerEmail: "org@example.com",
	})

	gw := newFakeGateway()
	pub := &recordingPublisher{}
	opts := Options{PassTTL: 20 * time.Minute, MinorUnitsPerMajor: 100, PublicBaseURL: "https://passes.example"}
	f := &fixture{
		store:      st,
		gw:         gw,
		pub:        pub,
		booking:    NewBookingService(st, gw, pub, opts),
		reconciler: NewReconciler(st, gw, pub, opts),
		redemption: NewRedemptionService(st, pub, opts),
		now:        time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.booking.now = clock
	f.reconciler.now = clock
	f.redemption.now = clock
	return f
}

// organizer may scan passes for eventID.
var organizer = Identity{UserID: organizerID, Role: models.RoleEventManager, Email: "org@example.com"}

func completed(merchantOrderID string) *gateway.OrderStatus {
	return &gateway.OrderStatus{
		MerchantOrderID: merchantOrderID,
		OrderID:         "OMO" + merchantOrderID,
		State:           gateway.StateCompleted,
		TransactionID:   "T1",
		Amount:          100000,
		PaymentMode:     "UPI_QR",
	}
}

func failed(merchantOrderID string) *gateway.OrderStatus {
	return &gateway.OrderStatus{
		MerchantOrderID: merchantOrderID,
		State:           gateway.StateFailed,
		Reason:          "USER_DECLINED",
	}
}
