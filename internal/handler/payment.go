// Package handler exposes the payment gateway's HTTP surface.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"hostbridge/internal/domain"
	"hostbridge/internal/reconcile"
	pkgerrors "hostbridge/pkg/errors"
	"hostbridge/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// Engine is the reconciliation surface the handler drives.
type Engine interface {
	InitiateSTKPush(ctx context.Context, orderID uuid.UUID, rawPhone string) (*reconcile.InitiateResult, error)
	QueryStatus(ctx context.Context, orderID uuid.UUID) (*reconcile.PollResult, error)
	VerifyManual(ctx context.Context, orderID uuid.UUID, rawCode string) (*reconcile.VerifyResult, error)
	ChoosePaymentMethod(ctx context.Context, orderID uuid.UUID, method domain.PaymentMethod) error
	Instructions(ctx context.Context, orderID uuid.UUID) (*reconcile.Instructions, error)
}

// OrderStore is the slice of order persistence the handler needs directly.
type OrderStore interface {
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	Notes(ctx context.Context, id uuid.UUID) ([]domain.OrderNote, error)
}

// AccountLister lists the remote merchant accounts.
type AccountLister interface {
	List(ctx context.Context) ([]domain.Account, error)
}

// PushWatcher follows an initiated push to its terminal status in the
// background.
type PushWatcher interface {
	Watch(orderID uuid.UUID)
}

type PaymentHandler struct {
	engine    Engine
	orders    OrderStore
	accounts  AccountLister
	watcher   PushWatcher
	validator *validator.Validator
	logger    Logger
}

func NewPaymentHandler(engine Engine, orders OrderStore, accounts AccountLister, watcher PushWatcher, val *validator.Validator, log Logger) *PaymentHandler {
	return &PaymentHandler{
		engine:    engine,
		orders:    orders,
		accounts:  accounts,
		watcher:   watcher,
		validator: val,
		logger:    log,
	}
}

type createOrderRequest struct {
	Number      string          `json:"number" validate:"required,max=64"`
	Total       decimal.Decimal `json:"total" validate:"required"`
	PhoneNumber string          `json:"phone_number" validate:"omitempty,max=16"`
}

// CreateOrder registers an order created on the hosting platform so payment
// reconciliation can track it.
func (h *PaymentHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondValidationErrors(w, errs)
		return
	}
	if !req.Total.IsPositive() {
		h.respondError(w, http.StatusBadRequest, "Order total must be positive")
		return
	}

	order := &domain.Order{
		ID:            uuid.New(),
		Number:        validator.Sanitize(req.Number),
		Status:        domain.OrderStatusPending,
		Total:         req.Total,
		PhoneNumber:   validator.Sanitize(req.PhoneNumber),
		PaymentMethod: domain.PaymentMethodUndecided,
	}

	if err := h.orders.Create(r.Context(), order); err != nil {
		if errors.Is(err, pkgerrors.ErrOrderAlreadyExists) {
			h.respondError(w, http.StatusConflict, "An order with this number already exists")
			return
		}
		h.logger.Error("Failed to create order", map[string]interface{}{"error": err.Error()})
		h.respondError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	h.respondJSON(w, http.StatusCreated, order)
}

// GetOrder returns the order with its current payment state.
func (h *PaymentHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}

	notes, err := h.orders.Notes(r.Context(), id)
	if err != nil {
		h.logger.Warn("Failed to fetch order notes", map[string]interface{}{"order_id": id, "error": err.Error()})
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"order": order,
		"paid":  order.IsPaid(),
		"notes": notes,
	})
}

type paymentMethodRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,oneof=stk_push manual"`
}

// ChoosePaymentMethod records whether the payer goes through the push flow or
// pays manually.
func (h *PaymentHandler) ChoosePaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req paymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondValidationErrors(w, errs)
		return
	}

	if err := h.engine.ChoosePaymentMethod(r.Context(), id, domain.PaymentMethod(req.PaymentMethod)); err != nil {
		h.respondOrderError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"payment_method": req.PaymentMethod})
}

type stkPushRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=16"`
}

// InitiateSTKPush asks the remote API to push a payment prompt to the payer's
// phone.
func (h *PaymentHandler) InitiateSTKPush(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req stkPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondValidationErrors(w, errs)
		return
	}

	res, err := h.engine.InitiateSTKPush(r.Context(), id, req.PhoneNumber)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}

	// Follow the new push server-side so the order completes even if the
	// payer's browser stops polling.
	if res.Success && res.CheckoutRequestID != "" && h.watcher != nil {
		h.watcher.Watch(id)
	}

	h.respond(w, http.StatusOK, res.Success, res)
}

// PaymentStatus runs one status query against the remote API. Callers poll
// this endpoint; the gateway does not hold the connection open.
func (h *PaymentHandler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	res, err := h.engine.QueryStatus(r.Context(), id)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}

	h.respond(w, http.StatusOK, res.Success, res)
}

type verifyRequest struct {
	TransactionCode string `json:"transaction_code" validate:"required,max=32"`
}

// VerifyPayment checks a manually-entered transaction code against the
// remote ledger.
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondValidationErrors(w, errs)
		return
	}

	res, err := h.engine.VerifyManual(r.Context(), id, req.TransactionCode)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}

	h.respond(w, http.StatusOK, res.Success, res)
}

// Instructions returns the manual payment steps for the configured merchant
// account.
func (h *PaymentHandler) Instructions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	ins, err := h.engine.Instructions(r.Context(), id)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, ins)
}

// ListAccounts returns the merchant accounts available on the remote API.
func (h *PaymentHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list accounts", map[string]interface{}{"error": err.Error()})
		h.respondError(w, http.StatusBadGateway, "Failed to fetch accounts")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

// RegisterRoutes attaches the payment routes to the given router.
func (h *PaymentHandler) RegisterRoutes(r *mux.Router) {
	orders := r.PathPrefix("/orders").Subrouter()
	orders.HandleFunc("", h.CreateOrder).Methods("POST")
	orders.HandleFunc("/{id}", h.GetOrder).Methods("GET")
	orders.HandleFunc("/{id}/payment-method", h.ChoosePaymentMethod).Methods("POST")
	orders.HandleFunc("/{id}/stk-push", h.InitiateSTKPush).Methods("POST")
	orders.HandleFunc("/{id}/payment-status", h.PaymentStatus).Methods("GET")
	orders.HandleFunc("/{id}/verify", h.VerifyPayment).Methods("POST")
	orders.HandleFunc("/{id}/instructions", h.Instructions).Methods("GET")

	r.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
}

func (h *PaymentHandler) orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	vars := mux.Vars(r)
	id, err := uuid.Parse(vars["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid order ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *PaymentHandler) respondOrderError(w http.ResponseWriter, err error) {
	if errors.Is(err, pkgerrors.ErrOrderNotFound) {
		h.respondError(w, http.StatusNotFound, "Order not found")
		return
	}
	h.logger.Error("Order operation failed", map[string]interface{}{"error": err.Error()})
	h.respondError(w, http.StatusInternalServerError, "Internal server error")
}

func (h *PaymentHandler) respond(w http.ResponseWriter, status int, success bool, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"data":    data,
	})
}

func (h *PaymentHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	h.respond(w, status, status < http.StatusBadRequest, data)
}

func (h *PaymentHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respond(w, status, false, map[string]string{"message": message})
}

func (h *PaymentHandler) respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	h.respond(w, http.StatusBadRequest, false, map[string]interface{}{
		"message": "Validation failed",
		"errors":  errs,
	})
}
