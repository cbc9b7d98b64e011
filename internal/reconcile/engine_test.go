package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hostbridge/internal/domain"
	"hostbridge/internal/hostpay"
	"hostbridge/pkg/logger"
)

// --- Mocks & fakes ---

type MockPaymentClient struct {
	mock.Mock
}

func (m *MockPaymentClient) InitiateSTKPush(ctx context.Context, req hostpay.STKPushRequest) (hostpay.Payload, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(hostpay.Payload), args.Error(1)
}

func (m *MockPaymentClient) QuerySTKPush(ctx context.Context, checkoutRequestID string) (hostpay.Payload, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(hostpay.Payload), args.Error(1)
}

func (m *MockPaymentClient) VerifyTransaction(ctx context.Context, req hostpay.VerifyRequest) (hostpay.Payload, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(hostpay.Payload), args.Error(1)
}

// fakeOrderStore is an in-memory order store with the same atomicity and
// first-write-wins semantics the postgres adapter provides.
type fakeOrderStore struct {
	mu            sync.Mutex
	orders        map[uuid.UUID]*domain.Order
	notes         []string
	markPaidCalls int
}

func newFakeOrderStore(orders ...*domain.Order) *fakeOrderStore {
	s := &fakeOrderStore{orders: make(map[uuid.UUID]*domain.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeOrderStore) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (s *fakeOrderStore) Update(ctx context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *fakeOrderStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].Status = status
	s.notes = append(s.notes, note)
	return nil
}

func (s *fakeOrderStore) MarkPaid(ctx context.Context, id uuid.UUID, transactionID, note string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markPaidCalls++
	o := s.orders[id]
	if o.TransactionID == "" {
		o.TransactionID = transactionID
		o.PaymentData = payload
	}
	o.Status = domain.OrderStatusCompleted
	s.notes = append(s.notes, note)
	return nil
}

func (s *fakeOrderStore) current(id uuid.UUID) *domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

type fakeAccountSource struct {
	acc *domain.Account
	err error
}

func (f *fakeAccountSource) Selected(ctx context.Context) (*domain.Account, error) {
	return f.acc, f.err
}

func paybillAccount() *domain.Account {
	return &domain.Account{
		ID:               "7",
		BusinessName:     "Acme Ltd",
		AccountType:      domain.AccountTypePaybill,
		PaybillShortcode: "174379",
	}
}

func pendingOrder(total string) *domain.Order {
	return &domain.Order{
		ID:            uuid.New(),
		Number:        "1001",
		Status:        domain.OrderStatusPending,
		Total:         decimal.RequireFromString(total),
		PaymentMethod: domain.PaymentMethodUndecided,
	}
}

func newTestEngine(store *fakeOrderStore, client *MockPaymentClient) *Engine {
	return NewEngine(store, &fakeAccountSource{acc: paybillAccount()}, client, logger.NewNop())
}

// --- Push initiation ---

func TestInitiateSTKPushSuccess(t *testing.T) {
	order := pendingOrder("1500.40")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("InitiateSTKPush", mock.Anything, hostpay.STKPushRequest{
		Shortcode:        "174379",
		Amount:           1500, // rounded whole units
		PhoneNumber:      "254712345678",
		Reason:           "Payment for Order #1001",
		AccountReference: "1001",
	}).Return(hostpay.Payload{"checkout_request_id": "ws_CO_123"}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ws_CO_123", res.CheckoutRequestID)

	saved := store.current(order.ID)
	assert.Equal(t, "ws_CO_123", saved.CheckoutRequestID)
	assert.Equal(t, "254712345678", saved.PhoneNumber)
	assert.Equal(t, domain.PaymentMethodSTKPush, saved.PaymentMethod)
	client.AssertExpectations(t)
}

func TestInitiateSTKPushInvalidPhone(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := newTestEngine(store, client)

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "254812345678")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInvalidPhone, res.Reason)

	// No remote call, no mutation.
	client.AssertNotCalled(t, "InitiateSTKPush", mock.Anything, mock.Anything)
	assert.Empty(t, store.current(order.ID).CheckoutRequestID)
}

func TestInitiateSTKPushNotConfigured(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := NewEngine(store, &fakeAccountSource{err: errors.New("no account")}, client, logger.NewNop())

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotConfigured, res.Reason)
	client.AssertNotCalled(t, "InitiateSTKPush", mock.Anything, mock.Anything)
}

func TestInitiateSTKPushShortcodeMissing(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := NewEngine(store, &fakeAccountSource{acc: &domain.Account{ID: "7", AccountType: domain.AccountTypeTill}}, client, logger.NewNop())

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotConfigured, res.Reason)
}

func TestInitiateSTKPushRemoteFailure(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(nil, &hostpay.Error{Kind: hostpay.ErrorKindAPI, Message: "timeout"})

	engine := newTestEngine(store, client)

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInitiateFailed, res.Reason)
	assert.Empty(t, store.current(order.ID).CheckoutRequestID)
}

func TestInitiateSTKPushOverwritesPreviousRequest(t *testing.T) {
	order := pendingOrder("1000")
	order.CheckoutRequestID = "ws_CO_old"
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(hostpay.Payload{"checkout_request_id": "ws_CO_new"}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ws_CO_new", store.current(order.ID).CheckoutRequestID, "only the latest request id is authoritative")
}

func TestInitiateSTKPushAlreadyPaid(t *testing.T) {
	order := pendingOrder("1000")
	order.TransactionID = "QK12XYZ"
	order.Status = domain.OrderStatusCompleted
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := newTestEngine(store, client)

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.True(t, res.Success)
	client.AssertNotCalled(t, "InitiateSTKPush", mock.Anything, mock.Anything)
}

func TestInitiateSTKPushLegacyCheckoutField(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(hostpay.Payload{"CheckoutRequestID": "ws_CO_legacy"}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.InitiateSTKPush(context.Background(), order.ID, "0712345678")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ws_CO_legacy", res.CheckoutRequestID)
}

// --- Push polling ---

func pushedOrder(total string) *domain.Order {
	o := pendingOrder(total)
	o.CheckoutRequestID = "ws_CO_123"
	o.PhoneNumber = "254712345678"
	o.PaymentMethod = domain.PaymentMethodSTKPush
	return o
}

func TestQueryStatusNoRequest(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusError, res.Status)
	assert.Equal(t, ReasonNoRequest, res.Reason)
}

func TestQueryStatusSuccessCompletesOrder(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code":          "0",
			"result_desc":          "Success",
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, PollStatusCompleted, res.Status)

	saved := store.current(order.ID)
	assert.Equal(t, "QK12XYZ", saved.TransactionID)
	assert.Equal(t, domain.OrderStatusCompleted, saved.Status)
	assert.Equal(t, 1, store.markPaidCalls)
}

func TestQueryStatusNumericResultCode(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code":          float64(0), // JSON number
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)
}

func TestQueryStatusCancelled(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{"result_code": "1032"}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, PollStatusCancelled, res.Status)
	assert.NotEmpty(t, res.Suggestion, "cancellation suggests the manual fallback")
	assert.Equal(t, domain.OrderStatusCancelled, store.current(order.ID).Status)
}

func TestQueryStatusStillWaiting(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{"result_code": "1037"}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, PollStatusPending, res.Status)
	assert.Equal(t, domain.OrderStatusPending, store.current(order.ID).Status, "no transition while waiting")
}

func TestQueryStatusRemoteDeclaredFailure(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code": "2001",
			"result_desc": "The initiator information is invalid.",
		}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusFailed, res.Status)
	assert.Equal(t, "The initiator information is invalid.", res.Message)
	assert.Equal(t, domain.OrderStatusFailed, store.current(order.ID).Status)
}

func TestQueryStatusResultCodeWinsOverStatusField(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code":          "0",
			"status":               "failed", // ignored: result_code has precedence
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)
}

func TestQueryStatusStatusFieldFallback(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"status":               "completed",
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)
	assert.Equal(t, "QK12XYZ", store.current(order.ID).TransactionID)
}

func TestQueryStatusLegacyResultCode(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{
			"ResultCode":         "0",
			"MpesaReceiptNumber": "QK99OLD",
		}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)
	assert.Equal(t, "QK99OLD", store.current(order.ID).TransactionID)
}

func TestQueryStatusNoVerdictMeansPending(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"request_accepted": true}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusPending, res.Status)
}

func TestQueryStatusTransportErrorIsRetryable(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(nil, &hostpay.Error{Kind: hostpay.ErrorKindAPI, Message: "timeout"}).Once()
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code":          "0",
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil).Once()

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusError, res.Status)
	assert.Equal(t, domain.OrderStatusPending, store.current(order.ID).Status, "transport failure never mutates the order")

	// The next poll succeeds and completes the order.
	res, err = engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)
}

func TestQueryStatusMonotonicAfterTerminal(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code":          "0",
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil).Once()

	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, PollStatusCompleted, res.Status)

	// Subsequent polls are no-ops: same terminal status, no remote call,
	// transaction id untouched.
	for i := 0; i < 3; i++ {
		res, err = engine.QueryStatus(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, PollStatusCompleted, res.Status)
	}
	assert.Equal(t, "QK12XYZ", store.current(order.ID).TransactionID)
	client.AssertNumberOfCalls(t, "QuerySTKPush", 1)
}

func TestQueryStatusCancelledIsTerminal(t *testing.T) {
	order := pushedOrder("1000")
	order.Status = domain.OrderStatusCancelled
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCancelled, res.Status)
	client.AssertNotCalled(t, "QuerySTKPush", mock.Anything, mock.Anything)
}

func TestQueryStatusRepairsPartialCompletion(t *testing.T) {
	// Transaction id present but status never reached completed: the
	// completion step is re-run defensively.
	order := pushedOrder("1000")
	order.TransactionID = "QK12XYZ"
	order.Status = domain.OrderStatusPending
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := newTestEngine(store, client)

	res, err := engine.QueryStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)

	saved := store.current(order.ID)
	assert.Equal(t, domain.OrderStatusCompleted, saved.Status)
	assert.Equal(t, "QK12XYZ", saved.TransactionID)
	client.AssertNotCalled(t, "QuerySTKPush", mock.Anything, mock.Anything)
}

// --- Manual verification ---

func TestVerifyManualSuccess(t *testing.T) {
	order := pendingOrder("1000.00")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, hostpay.VerifyRequest{
		TransID:           "QK12XYZ",
		BillRefNumber:     "1001",
		Amount:            1000,
		BusinessShortcode: "174379",
	}).Return(hostpay.Payload{
		"success": true,
		"data": map[string]interface{}{
			"TransID":     "QK12XYZ",
			"TransAmount": "1000.00",
		},
	}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "  qk12xyz ")
	require.NoError(t, err)
	assert.True(t, res.Success)

	saved := store.current(order.ID)
	assert.Equal(t, "QK12XYZ", saved.TransactionID)
	assert.Equal(t, domain.OrderStatusCompleted, saved.Status)
}

func TestVerifyManualEmptyCode(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "   ")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInvalidCode, res.Reason)
	client.AssertNotCalled(t, "VerifyTransaction", mock.Anything, mock.Anything)
}

func TestVerifyManualRemoteRejects(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, mock.Anything).
		Return(hostpay.Payload{"success": false, "message": "Transaction not found"}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "QK00NOPE")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonVerifyFailed, res.Reason)
	assert.Equal(t, "Transaction not found", res.Message)
	assert.False(t, store.current(order.ID).IsPaid())
}

func TestVerifyManualAmountWithinTolerance(t *testing.T) {
	order := pendingOrder("1000.004")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, mock.Anything).
		Return(hostpay.Payload{
			"success": true,
			"data": map[string]interface{}{
				"TransID":     "QK12XYZ",
				"TransAmount": "1000.00",
			},
		}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "QK12XYZ")
	require.NoError(t, err)
	assert.True(t, res.Success, "0.004 difference is within the 0.01 tolerance")
	assert.True(t, store.current(order.ID).IsPaid())
}

func TestVerifyManualAmountMismatch(t *testing.T) {
	order := pendingOrder("1000.00")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, mock.Anything).
		Return(hostpay.Payload{
			"success": true,
			"data": map[string]interface{}{
				"TransID":     "QK12XYZ",
				"TransAmount": "999.98",
			},
		}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "QK12XYZ")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAmountMismatch, res.Reason)
	assert.Equal(t, "1000", res.Expected.String())
	assert.Equal(t, "999.98", res.Paid.String())

	// Explicitly not success: the order stays unpaid for manual correction.
	saved := store.current(order.ID)
	assert.False(t, saved.IsPaid())
	assert.Equal(t, domain.OrderStatusPending, saved.Status)
}

func TestVerifyManualLegacyAmountField(t *testing.T) {
	order := pendingOrder("500")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, mock.Anything).
		Return(hostpay.Payload{"success": true, "amount": float64(500)}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "QK12XYZ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	// No receipt field anywhere: the payer-typed code is the fallback.
	assert.Equal(t, "QK12XYZ", store.current(order.ID).TransactionID)
}

func TestVerifyManualDoubleSubmitIsIdempotent(t *testing.T) {
	order := pendingOrder("1000.00")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, mock.Anything).
		Return(hostpay.Payload{
			"success": true,
			"data": map[string]interface{}{
				"TransID":     "QK12XYZ",
				"TransAmount": "1000.00",
			},
		}, nil)

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "QK12XYZ")
	require.NoError(t, err)
	require.True(t, res.Success)
	paidCalls := store.markPaidCalls

	// Second submission: success again, transaction id unchanged, no second
	// completion, no second remote call.
	res, err = engine.VerifyManual(context.Background(), order.ID, "QK12XYZ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "QK12XYZ", store.current(order.ID).TransactionID)
	assert.Equal(t, paidCalls, store.markPaidCalls)
	client.AssertNumberOfCalls(t, "VerifyTransaction", 1)
}

func TestVerifyManualClientError(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("VerifyTransaction", mock.Anything, mock.Anything).
		Return(nil, &hostpay.Error{Kind: hostpay.ErrorKindAPI, Message: "timeout"})

	engine := newTestEngine(store, client)

	res, err := engine.VerifyManual(context.Background(), order.ID, "QK12XYZ")
	require.NoError(t, err)
	assert.Equal(t, ReasonVerifyFailed, res.Reason)
	assert.False(t, store.current(order.ID).IsPaid())
}

// --- Method choice ---

func TestChoosePaymentMethodManual(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	engine := newTestEngine(store, new(MockPaymentClient))

	err := engine.ChoosePaymentMethod(context.Background(), order.ID, domain.PaymentMethodManual)
	require.NoError(t, err)

	saved := store.current(order.ID)
	assert.Equal(t, domain.PaymentMethodManual, saved.PaymentMethod)
	assert.Equal(t, domain.OrderStatusOnHold, saved.Status)
}

func TestChoosePaymentMethodUnknown(t *testing.T) {
	order := pendingOrder("1000")
	store := newFakeOrderStore(order)
	engine := newTestEngine(store, new(MockPaymentClient))

	err := engine.ChoosePaymentMethod(context.Background(), order.ID, domain.PaymentMethod("carrier_pigeon"))
	assert.Error(t, err)
}

// --- Poll loop ---

func TestPollLoopStopsOnTerminal(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{"result_code": "1037"}}, nil).Twice()
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{
			"result_code":          "0",
			"mpesa_receipt_number": "QK12XYZ",
		}}, nil).Once()

	engine := newTestEngine(store, client)

	res, err := PollLoop(context.Background(), engine, order.ID, time.Millisecond, 10)
	require.NoError(t, err)
	assert.Equal(t, PollStatusCompleted, res.Status)
	client.AssertNumberOfCalls(t, "QuerySTKPush", 3)
}

func TestPollLoopExhaustsBudget(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{"result_code": "1037"}}, nil)

	engine := newTestEngine(store, client)

	res, err := PollLoop(context.Background(), engine, order.ID, time.Millisecond, 3)
	require.NoError(t, err)
	assert.Equal(t, PollStatusPending, res.Status)
	client.AssertNumberOfCalls(t, "QuerySTKPush", 3)
}

func TestPollLoopHonoursCancellation(t *testing.T) {
	order := pushedOrder("1000")
	store := newFakeOrderStore(order)
	client := new(MockPaymentClient)
	client.On("QuerySTKPush", mock.Anything, "ws_CO_123").
		Return(hostpay.Payload{"data": map[string]interface{}{"result_code": "1037"}}, nil)

	engine := newTestEngine(store, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := PollLoop(ctx, engine, order.ID, time.Hour, 10)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, PollStatusPending, res.Status)
}
