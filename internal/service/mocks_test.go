package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"cinema-orders/internal/gateway"
	"cinema-orders/internal/models"
	"cinema-orders/internal/store"
)

// fakeStore is an in-memory stand-in for the postgres store. It backs the
// cart, order and ledger interfaces in one place so a test fixture sees a
// single consistent world.
type fakeStore struct {
	mu sync.Mutex

	movies     map[int64]*models.Movie
	carts      map[int64]*models.Cart
	cartItems  map[int64][]int64
	orders     map[int64]*models.Order
	orderItems map[int64][]models.OrderItem
	attempts   map[int64]*models.PaymentAttempt
	records    map[string]*models.IdempotencyRecord

	nextID int64

	failCreate   error
	failFinalize error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		movies:     make(map[int64]*models.Movie),
		carts:      make(map[int64]*models.Cart),
		cartItems:  make(map[int64][]int64),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]models.OrderItem),
		attempts:   make(map[int64]*models.PaymentAttempt),
		records:    make(map[string]*models.IdempotencyRecord),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func recKey(scope, key string) string { return scope + "|" + key }

func (f *fakeStore) addMovie(id int64, title string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movies[id] = &models.Movie{ID: id, Title: title, PriceCents: price}
}

// CartStore

func (f *fakeStore) GetMovieByID(ctx context.Context, id int64) (*models.Movie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.movies[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetOrCreateCart(ctx context.Context, userID int64) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.carts[userID]; ok {
		cp := *c
		return &cp, nil
	}
	c := &models.Cart{ID: f.id(), UserID: userID}
	f.carts[userID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeStore) AddCartItem(ctx context.Context, cartID, movieID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.cartItems[cartID] {
		if id == movieID {
			return false, nil
		}
	}
	f.cartItems[cartID] = append(f.cartItems[cartID], movieID)
	return true, nil
}

func (f *fakeStore) RemoveCartItem(ctx context.Context, cartID, movieID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.cartItems[cartID]
	for i, id := range items {
		if id == movieID {
			f.cartItems[cartID] = append(items[:i], items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetCartSnapshot(ctx context.Context, userID int64) ([]models.CartSnapshotItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cart, ok := f.carts[userID]
	if !ok {
		return nil, nil
	}
	var out []models.CartSnapshotItem
	for _, movieID := range f.cartItems[cart.ID] {
		m := f.movies[movieID]
		out = append(out, models.CartSnapshotItem{
			MovieID:   m.ID,
			Title:     m.Title,
			UnitPrice: m.PriceCents,
		})
	}
	return out, nil
}

func (f *fakeStore) ClearCart(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cart, ok := f.carts[userID]; ok {
		delete(f.cartItems, cart.ID)
	}
	return nil
}

// OrderStore

func (f *fakeStore) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem, rec *models.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	if _, exists := f.records[recKey(rec.Scope, rec.Key)]; exists {
		return store.ErrDuplicate
	}

	order.ID = f.id()
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	cp := *order
	f.orders[order.ID] = &cp

	for i := range items {
		items[i].ID = f.id()
		items[i].OrderID = order.ID
	}
	f.orderItems[order.ID] = append([]models.OrderItem(nil), items...)

	rec.ID = f.id()
	rec.OrderID = sql.NullInt64{Int64: order.ID, Valid: true}
	rcp := *rec
	f.records[recKey(rec.Scope, rec.Key)] = &rcp
	return nil
}

func (f *fakeStore) FinalizeCheckout(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt, response []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFinalize != nil {
		return f.failFinalize
	}

	attempt.ID = f.id()
	acp := *attempt
	f.attempts[attempt.ID] = &acp

	if o, ok := f.orders[order.ID]; ok {
		o.ExternalPaymentRef = sql.NullString{String: attempt.GatewayReference, Valid: true}
		o.UpdatedAt = time.Now()
	}
	if cart, ok := f.carts[order.UserID]; ok {
		delete(f.cartItems, cart.ID)
	}
	if rec, ok := f.records[recKey(models.IdemScopeCheckout, attempt.IdempotencyKey)]; ok {
		rec.Status = models.IdemStatusDone
		rec.Response = response
	}
	return nil
}

type fakeTx struct {
	f *fakeStore
}

func (t *fakeTx) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	o, ok := t.f.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) UpdatePaymentAttempt(ctx context.Context, attemptID int64, status string, raw []byte, requiresReview bool) error {
	a, ok := t.f.attempts[attemptID]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.RawGatewayPayload = raw
	a.RequiresReview = requiresReview
	return nil
}

func (t *fakeTx) InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	attempt.ID = t.f.id()
	cp := *attempt
	t.f.attempts[attempt.ID] = &cp
	return nil
}

func (t *fakeTx) SetExternalPaymentRef(ctx context.Context, orderID int64, ref string) error {
	o, ok := t.f.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.ExternalPaymentRef = sql.NullString{String: ref, Valid: true}
	return nil
}

func (t *fakeTx) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	k := recKey(rec.Scope, rec.Key)
	if _, exists := t.f.records[k]; exists {
		return store.ErrDuplicate
	}
	rec.ID = t.f.id()
	cp := *rec
	t.f.records[k] = &cp
	return nil
}

func (f *fakeStore) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, tx store.OrderTx, order *models.Order) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}
	cp := *o
	return fn(ctx, &fakeTx{f: f}, &cp)
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderItem(nil), f.orderItems[orderID]...), nil
}

func (f *fakeStore) GetAttemptByGatewayReference(ctx context.Context, ref string) (*models.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.GatewayReference == ref {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetPendingAttempt(ctx context.Context, orderID int64) (*models.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.OrderID == orderID && a.Status == models.AttemptStatusPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetAttemptsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentAttempt
	for _, a := range f.attempts {
		if a.OrderID == orderID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) ListStaleAwaitingPayment(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Status == models.OrderStatusAwaitingPayment && o.UpdatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// LedgerStore

func (f *fakeStore) GetIdempotencyRecord(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recKey(scope, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// setOrderUpdatedAt backdates an order for stale-sweep tests.
func (f *fakeStore) setOrderUpdatedAt(orderID int64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.UpdatedAt = ts
	}
}

// fakeCache implements LedgerCache in memory with injectable failures.
type fakeCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet error
	failSet error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) GetIdempotencyOutcome(ctx context.Context, scope, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return nil, c.failGet
	}
	return c.data[recKey(scope, key)], nil
}

func (c *fakeCache) SetIdempotencyOutcome(ctx context.Context, scope, key string, outcome []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet != nil {
		return c.failSet
	}
	c.data[recKey(scope, key)] = outcome
	return nil
}

// fakeGateway implements gateway.PaymentGateway with scripted behavior.
type fakeGateway struct {
	mu            sync.Mutex
	initiateCalls int
	refundCalls   int
	failInitiate  error
	failRefund    error
	failuresLeft  int
}

func (g *fakeGateway) InitiatePayment(ctx context.Context, order *models.Order) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiateCalls++
	if g.failuresLeft > 0 {
		g.failuresLeft--
		return nil, gateway.ErrUnavailable
	}
	if g.failInitiate != nil {
		return nil, g.failInitiate
	}
	return &gateway.PaymentIntent{
		GatewayReference: fmt.Sprintf("pi_%d", g.initiateCalls),
		ClientSecret:     fmt.Sprintf("cs_%d", g.initiateCalls),
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	return g.failRefund
}

func (g *fakeGateway) VerifyCallback(rawBody []byte, signatureHeader string) (*gateway.ParsedEvent, error) {
	return nil, gateway.ErrSignature
}

// fakeDispatcher records enqueued jobs, optionally failing the first n.
type fakeDispatcher struct {
	mu        sync.Mutex
	jobs      []*models.NotificationJob
	failTimes int
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, jobType string, job *models.NotificationJob) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failTimes > 0 {
		d.failTimes--
		return "", fmt.Errorf("broker unavailable")
	}
	cp := *job
	cp.JobType = jobType
	d.jobs = append(d.jobs, &cp)
	return cp.JobID, nil
}

func (d *fakeDispatcher) enqueued() []*models.NotificationJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*models.NotificationJob(nil), d.jobs...)
}

// fakeLocker hands out advisory locks in memory.
type fakeLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[int64]bool)}
}

func (l *fakeLocker) AcquireOrderLock(ctx context.Context, orderID int64, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[orderID] {
		return false, nil
	}
	l.held[orderID] = true
	return true, nil
}

func (l *fakeLocker) ReleaseOrderLock(ctx context.Context, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, orderID)
	return nil
}

// fixture wires a full orchestrator over the fakes.
type fixture struct {
	store      *fakeStore
	cache      *fakeCache
	gateway    *fakeGateway
	dispatcher *fakeDispatcher
	locker     *fakeLocker
	carts      *CartService
	orders     *Orchestrator
}

func newFixture() *fixture {
	fs := newFakeStore()
	fs.addMovie(1, "Heat", 999)
	fs.addMovie(2, "Alien", 499)
	fs.addMovie(3, "Ran", 1299)

	cache := newFakeCache()
	gw := &fakeGateway{}
	disp := &fakeDispatcher{}
	locker := newFakeLocker()

	carts := NewCartService(fs)
	ledger := NewLedger(fs, cache)
	orders := NewOrchestrator(fs, carts, ledger, gw, disp, locker, OrchestratorConfig{
		Currency:        "usd",
		OrderTimeout:    15 * time.Minute,
		DispatchRetries: 2,
	})

	return &fixture{
		store:      fs,
		cache:      cache,
		gateway:    gw,
		dispatcher: disp,
		locker:     locker,
		carts:      carts,
		orders:     orders,
	}
}

func (fx *fixture) fillCart(ctx context.Context, userID int64, movieIDs ...int64) error {
	for _, id := range movieIDs {
		if _, err := fx.carts.AddItem(ctx, userID, id); err != nil {
			return err
		}
	}
	return nil
}
