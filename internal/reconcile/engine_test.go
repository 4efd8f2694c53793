package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"mitienda-be/internal/metrics"
	"mitienda-be/internal/notify"
	"mitienda-be/internal/order"
	"mitienda-be/internal/payment"
	"mitienda-be/internal/webhook"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory fakes ---
//
// The order fake holds one mutex for the whole table and acquires it in
// BeginTx, releasing on Commit or Rollback. That is a coarser lock than the
// real per-row FOR UPDATE, but it reproduces the property the engine relies
// on: concurrent transitions of the same order serialize.

type fakeTx struct {
	release   func()
	once      sync.Once
	committed bool
}

func (t *fakeTx) Commit() error {
	t.committed = true
	t.once.Do(t.release)
	return nil
}

func (t *fakeTx) Rollback() error {
	t.once.Do(t.release)
	return nil
}

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[uint]*order.Order
	stocks map[uint]int
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{
		orders: make(map[uint]*order.Order),
		stocks: make(map[uint]int),
	}
}

func (r *fakeOrderRepo) Create(ctx context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	return nil
}

func (r *fakeOrderRepo) GetDetail(ctx context.Context, orderID uint) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *fakeOrderRepo) BeginTx(ctx context.Context) (order.Tx, error) {
	r.mu.Lock()
	return &fakeTx{release: r.mu.Unlock}, nil
}

func (r *fakeOrderRepo) GetForUpdateTx(ctx context.Context, tx order.Tx, orderID uint) (*order.Order, error) {
	o, ok := r.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *fakeOrderRepo) ApproveTx(ctx context.Context, tx order.Tx, o *order.Order, providerTxnID string) error {
	// Transfer orders reserved at creation; only checkout orders decrement
	// here, mirroring the SQL repository.
	if o.Status != order.StatusPendingTransfer {
		for _, item := range o.Items {
			if r.stocks[item.ProductID] < item.Quantity {
				return fmt.Errorf("%w: product %d", order.ErrInsufficientStock, item.ProductID)
			}
		}
		for _, item := range o.Items {
			r.stocks[item.ProductID] -= item.Quantity
		}
	}
	stored := r.orders[o.ID]
	now := time.Now()
	stored.Status = order.StatusApproved
	stored.ProviderTxnID = &providerTxnID
	stored.ApprovedAt = &now
	return nil
}

func (r *fakeOrderRepo) CancelTx(ctx context.Context, tx order.Tx, o *order.Order, restoreStock bool) error {
	if restoreStock {
		for _, item := range o.Items {
			r.stocks[item.ProductID] += item.Quantity
		}
	}
	r.orders[o.ID].Status = order.StatusCancelled
	return nil
}

func (r *fakeOrderRepo) SetTracking(ctx context.Context, orderID uint, trackingNumber string) error {
	return nil
}

func (r *fakeOrderRepo) ListPendingTransferBefore(ctx context.Context, cutoff time.Time) ([]*order.Order, error) {
	return nil, nil
}

func (r *fakeOrderRepo) ListPendingTransferBetween(ctx context.Context, from, to time.Time) ([]*order.Order, error) {
	return nil, nil
}

func (r *fakeOrderRepo) status(orderID uint) order.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID].Status
}

func (r *fakeOrderRepo) stock(productID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stocks[productID]
}

type fakeLog struct {
	mu     sync.Mutex
	events map[string]*webhook.Event
}

func newFakeLog() *fakeLog {
	return &fakeLog{events: make(map[string]*webhook.Event)}
}

func (l *fakeLog) RecordOrSkip(ctx context.Context, eventID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok {
		l.events[eventID] = &webhook.Event{
			EventID:   eventID,
			EventType: eventType,
			Status:    webhook.StatusReceived,
			CreatedAt: time.Now(),
		}
		return true, nil
	}
	switch e.Status {
	case webhook.StatusProcessed, webhook.StatusProcessing:
		return false, nil
	default:
		return true, nil
	}
}

func (l *fakeLog) setStatus(eventID string, status webhook.EventStatus, msg *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok {
		return webhook.ErrEventNotFound
	}
	e.Status = status
	e.ErrorMessage = msg
	return nil
}

func (l *fakeLog) MarkProcessing(ctx context.Context, eventID string) error {
	return l.setStatus(eventID, webhook.StatusProcessing, nil)
}

func (l *fakeLog) MarkProcessed(ctx context.Context, eventID string) error {
	return l.setStatus(eventID, webhook.StatusProcessed, nil)
}

func (l *fakeLog) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	return l.setStatus(eventID, webhook.StatusFailed, &errorMessage)
}

func (l *fakeLog) Reset(ctx context.Context, eventID string) error {
	return l.setStatus(eventID, webhook.StatusReceived, nil)
}

func (l *fakeLog) List(ctx context.Context, limit int) ([]*webhook.Event, error) {
	return nil, nil
}

func (l *fakeLog) status(eventID string) webhook.EventStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok {
		return ""
	}
	return e.Status
}

type fakeGateway struct {
	mu          sync.Mutex
	payments    map[string]*payment.VerifiedPayment
	getErr      error
	refundErr   error
	refundCalls []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]*payment.VerifiedPayment)}
}

func (g *fakeGateway) GetPayment(ctx context.Context, paymentID string) (*payment.VerifiedPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return p, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, paymentID)
	if g.refundErr != nil {
		return g.refundErr
	}
	return nil
}

func (g *fakeGateway) VerifySignature(r *http.Request) error { return nil }

type fakeNotifier struct {
	sends chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sends: make(chan string, 16)}
}

func (n *fakeNotifier) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	n.sends <- template
	return nil
}

func (n *fakeNotifier) waitFor(t *testing.T, count int) []string {
	t.Helper()
	var got []string
	for i := 0; i < count; i++ {
		select {
		case tpl := <-n.sends:
			got = append(got, tpl)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d notifications, got %d", count, len(got))
		}
	}
	return got
}

// --- Fixture ---

type fixture struct {
	engine   *Engine
	orders   *fakeOrderRepo
	events   *fakeLog
	gateway  *fakeGateway
	notifier *fakeNotifier
	metrics  *metrics.Registry
}

func newFixture() *fixture {
	f := &fixture{
		orders:   newFakeOrderRepo(),
		events:   newFakeLog(),
		gateway:  newFakeGateway(),
		notifier: newFakeNotifier(),
		metrics:  metrics.NewRegistry(),
	}
	f.engine = NewEngine(f.orders, f.events, f.gateway, f.notifier, f.metrics)
	return f
}

// seedOrder installs order 501 awaiting a bank transfer: two units of product
// 10 at 500 each and one unit of product 11 at 500, total 1500. The catalog
// held 10 and 5 units; creation already reserved the order's share, so the
// shelves show 8 and 4.
func (f *fixture) seedOrder() {
	f.orders.orders[501] = &order.Order{
		ID:            501,
		UserID:        7,
		CustomerEmail: "buyer@example.com",
		TotalAmount:   decimal.NewFromInt(1500),
		Status:        order.StatusPendingTransfer,
		CreatedAt:     time.Now(),
		Items: []order.OrderItem{
			{ID: 1, OrderID: 501, ProductID: 10, Quantity: 2, UnitPrice: decimal.NewFromInt(500)},
			{ID: 2, OrderID: 501, ProductID: 11, Quantity: 1, UnitPrice: decimal.NewFromInt(500)},
		},
	}
	f.orders.stocks[10] = 8
	f.orders.stocks[11] = 4
}

// seedCheckoutOrder installs the same order in the provider-checkout flow:
// no reservation yet, stock decrements at approval.
func (f *fixture) seedCheckoutOrder() {
	f.seedOrder()
	f.orders.orders[501].Status = order.StatusPending
	f.orders.stocks[10] = 10
	f.orders.stocks[11] = 5
}

func (f *fixture) seedPayment(status payment.Status) {
	f.gateway.payments["pay_999"] = &payment.VerifiedPayment{
		PaymentID:         "pay_999",
		Status:            status,
		ExternalReference: "501",
		TransactionAmount: decimal.NewFromInt(1500),
	}
}

// --- ProcessEvent ---

func TestProcessEvent_ApprovesOrder(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.seedPayment(payment.StatusApproved)

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.NoError(t, err)
	assert.Equal(t, order.StatusApproved, f.orders.status(501))
	// Reserved at creation; approval must not decrement again.
	assert.Equal(t, 8, f.orders.stock(10))
	assert.Equal(t, 4, f.orders.stock(11))
	assert.Equal(t, webhook.StatusProcessed, f.events.status("pay_999"))

	stored := f.orders.orders[501]
	require.NotNil(t, stored.ProviderTxnID)
	assert.Equal(t, "pay_999", *stored.ProviderTxnID)

	templates := f.notifier.waitFor(t, 2)
	assert.Contains(t, templates, notify.TemplateOrderConfirmation)
	assert.Contains(t, templates, notify.TemplateNewOrderInternal)

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap["events_processed"])
	assert.Equal(t, uint64(1), snap["orders_approved"])
}

func TestProcessEvent_RedeliveryIsNoOp(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.seedPayment(payment.StatusApproved)

	require.NoError(t, f.engine.ProcessEvent(context.Background(), "pay_999", "payment"))
	require.NoError(t, f.engine.ProcessEvent(context.Background(), "pay_999", "payment"))

	// The creation-time reservation is the only decrement this order gets.
	assert.Equal(t, 8, f.orders.stock(10))
	assert.Equal(t, 4, f.orders.stock(11))
	assert.Equal(t, uint64(1), f.metrics.Snapshot()["events_duplicate"])
}

func TestProcessEvent_ConcurrentDeliveries(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.seedPayment(payment.StatusApproved)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Both deliveries must land safely whichever interleaving
			// occurs; neither outcome is an error.
			_ = f.engine.ProcessEvent(context.Background(), "pay_999", "payment")
		}()
	}
	wg.Wait()

	assert.Equal(t, order.StatusApproved, f.orders.status(501))
	assert.Equal(t, 8, f.orders.stock(10), "reservation must not be taken twice")
	assert.Equal(t, 4, f.orders.stock(11))
}

func TestProcessEvent_UnsettledPaymentStaysRetryable(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.seedPayment(payment.StatusInProcess)

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingTransfer, f.orders.status(501))
	// Back to RECEIVED so the provider's settle notification is not dropped.
	assert.Equal(t, webhook.StatusReceived, f.events.status("pay_999"))

	// The settle notification then completes the order.
	f.seedPayment(payment.StatusApproved)
	require.NoError(t, f.engine.ProcessEvent(context.Background(), "pay_999", "payment"))
	assert.Equal(t, order.StatusApproved, f.orders.status(501))
}

func TestProcessEvent_UnknownPaymentFailsPermanently(t *testing.T) {
	f := newFixture()
	f.seedOrder()

	err := f.engine.ProcessEvent(context.Background(), "pay_unknown", "payment")

	// Acknowledged: retrying an unknown payment cannot help.
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, f.events.status("pay_unknown"))
}

func TestProcessEvent_GatewayOutageIsTransient(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.gateway.getErr = errors.New("connection refused")

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.Error(t, err)
	assert.Equal(t, webhook.StatusFailed, f.events.status("pay_999"))

	// FAILED events accept redelivery: once the gateway recovers, the same
	// event id goes through.
	f.gateway.getErr = nil
	f.seedPayment(payment.StatusApproved)
	require.NoError(t, f.engine.ProcessEvent(context.Background(), "pay_999", "payment"))
	assert.Equal(t, order.StatusApproved, f.orders.status(501))
}

func TestProcessEvent_BadExternalReference(t *testing.T) {
	f := newFixture()
	f.gateway.payments["pay_999"] = &payment.VerifiedPayment{
		PaymentID:         "pay_999",
		Status:            payment.StatusApproved,
		ExternalReference: "not-a-number",
	}

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, f.events.status("pay_999"))
}

func TestProcessEvent_OrderNotFound(t *testing.T) {
	f := newFixture()
	f.seedPayment(payment.StatusApproved)

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, f.events.status("pay_999"))
}

func TestProcessEvent_InsufficientStockIsPermanent(t *testing.T) {
	f := newFixture()
	f.seedCheckoutOrder()
	f.seedPayment(payment.StatusApproved)
	f.orders.stocks[10] = 1 // order wants 2

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, f.events.status("pay_999"))
	assert.Equal(t, order.StatusPending, f.orders.status(501))
	assert.Equal(t, 1, f.orders.stock(10), "no partial decrement")
}

func TestProcessEvent_RejectedVerdictLeavesOrderAlone(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.seedPayment(payment.StatusRejected)

	err := f.engine.ProcessEvent(context.Background(), "pay_999", "payment")

	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingTransfer, f.orders.status(501))
	assert.Equal(t, 8, f.orders.stock(10), "reservation stays until cancellation")
	assert.Equal(t, webhook.StatusProcessed, f.events.status("pay_999"))
}

// --- Cancel ---

func approveOrder(t *testing.T, f *fixture) {
	t.Helper()
	f.seedPayment(payment.StatusApproved)
	require.NoError(t, f.engine.ProcessEvent(context.Background(), "pay_999", "payment"))
	require.Equal(t, order.StatusApproved, f.orders.status(501))
	f.notifier.waitFor(t, 2)
}

func TestCancel_ApprovedOrderRefundsAndRestoresStock(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	approveOrder(t, f)

	err := f.engine.Cancel(context.Background(), 501)

	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, f.orders.status(501))
	assert.Equal(t, 10, f.orders.stock(10))
	assert.Equal(t, 5, f.orders.stock(11))
	assert.Equal(t, []string{"pay_999"}, f.gateway.refundCalls)

	templates := f.notifier.waitFor(t, 1)
	assert.Contains(t, templates, notify.TemplateOrderCancelled)
}

func TestCancel_RefundFailureAbortsEverything(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	approveOrder(t, f)
	f.gateway.refundErr = fmt.Errorf("%w: provider timeout", payment.ErrRefundFailed)

	err := f.engine.Cancel(context.Background(), 501)

	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrRefundFailed)
	// Nothing moved: still approved, stock still decremented.
	assert.Equal(t, order.StatusApproved, f.orders.status(501))
	assert.Equal(t, 8, f.orders.stock(10))
	assert.Equal(t, 4, f.orders.stock(11))
}

func TestCancel_ExpiredTransferOrderRestoresReservation(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	f.orders.orders[501].CreatedAt = time.Now().Add(-49 * time.Hour)

	err := f.engine.Cancel(context.Background(), 501)

	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, f.orders.status(501))
	// The whole point of expiring a stale transfer order: the shelves get
	// the reservation back.
	assert.Equal(t, 10, f.orders.stock(10))
	assert.Equal(t, 5, f.orders.stock(11))
	assert.Empty(t, f.gateway.refundCalls, "nothing was paid, nothing to refund")
}

func TestCancel_CheckoutPendingOrderRestoresNothing(t *testing.T) {
	f := newFixture()
	f.seedCheckoutOrder()

	err := f.engine.Cancel(context.Background(), 501)

	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, f.orders.status(501))
	assert.Equal(t, 10, f.orders.stock(10), "checkout order never held stock")
	assert.Empty(t, f.gateway.refundCalls)
}

func TestCancel_AlreadyCancelledIsNoOp(t *testing.T) {
	f := newFixture()
	f.seedOrder()
	require.NoError(t, f.engine.Cancel(context.Background(), 501))

	err := f.engine.Cancel(context.Background(), 501)

	require.NoError(t, err)
	assert.Empty(t, f.gateway.refundCalls)
	assert.Equal(t, uint64(1), f.metrics.Snapshot()["orders_cancelled"])
}

func TestCancel_OrderNotFound(t *testing.T) {
	f := newFixture()

	err := f.engine.Cancel(context.Background(), 999)

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}