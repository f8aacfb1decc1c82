package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/inventory-saga/internal/coordinator"
	"github.com/jcmexdev/inventory-saga/internal/httpx/middlewares"
	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/recovery"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

type Purchases interface {
	ProcessPurchase(ctx context.Context, req coordinator.PurchaseRequest) coordinator.Result
	ReserveOnly(ctx context.Context, req coordinator.PurchaseRequest) coordinator.Result
	GetReservationStatus(ctx context.Context, reservationID string) (coordinator.Result, error)
	CancelPurchase(ctx context.Context, reservationID, reason string) (coordinator.Result, error)
}

type Inventory interface {
	InitProduct(ctx context.Context, productID string, total int) (*inventory.InventoryResource, error)
	Inventory(ctx context.Context, productID string) (*inventory.InventoryResource, error)
}

type Recovery interface {
	Trigger(ctx context.Context) (recovery.Report, error)
}

type AuditLog interface {
	FindByTransaction(ctx context.Context, txID string) ([]*wal.Entry, error)
}

// Handler serves the purchase, reservation and admin endpoints.
type Handler struct {
	purchases Purchases
	inventory Inventory
	recovery  Recovery
	audit     AuditLog
}

func NewHandler(p Purchases, inv Inventory, rec Recovery, audit AuditLog) *Handler {
	return &Handler{purchases: p, inventory: inv, recovery: rec, audit: audit}
}

// CreatePurchase runs the full purchase saga. X-Idempotency-Key is used as
// the transaction id when the body carries none, so a retried request
// returns the first result.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}

	slog.InfoContext(r.Context(), "processing purchase",
		"request_id", middlewares.RequestID(r.Context()), "customer_id", req.CustomerID, "product_id", req.ProductID)

	res := h.purchases.ProcessPurchase(r.Context(), req)
	writeJSON(w, purchaseStatusCode(res), mapResultToResponse(res))
}

// CreateReservation holds inventory without paying for it.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	res := h.purchases.ReserveOnly(r.Context(), req)
	writeJSON(w, purchaseStatusCode(res), mapResultToResponse(res))
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.purchases.GetReservationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResultToResponse(res))
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	res, err := h.purchases.CancelPurchase(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status != coordinator.StatusCancelled {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, mapResultToResponse(res))
}

func (h *Handler) PutInventory(w http.ResponseWriter, r *http.Request) {
	var req InventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	inv, err := h.inventory.InitProduct(r.Context(), chi.URLParam(r, "productID"), req.Total)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapInventoryToResponse(inv))
}

func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.inventory.Inventory(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapInventoryToResponse(inv))
}

// TriggerRecovery runs a recovery pass and returns its report.
func (h *Handler) TriggerRecovery(w http.ResponseWriter, r *http.Request) {
	rep, err := h.recovery.Trigger(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recovery_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetTransactionLog returns the WAL trail of one transaction in LSN order.
func (h *Handler) GetTransactionLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.FindByTransaction(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wal_error", err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "transaction_not_found", "")
		return
	}
	out := make([]WALEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = mapEntryToResponse(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func decodePurchase(w http.ResponseWriter, r *http.Request) (coordinator.PurchaseRequest, bool) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return coordinator.PurchaseRequest{}, false
	}
	txID := req.TransactionID
	if txID == "" {
		txID = middlewares.IdempotencyKey(r.Context())
	}
	return coordinator.PurchaseRequest{
		TransactionID: txID,
		CustomerID:    req.CustomerID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	}, true
}

func purchaseStatusCode(res coordinator.Result) int {
	switch res.ReasonCode {
	case "":
		return http.StatusCreated
	case coordinator.ReasonInvalidRequest:
		return http.StatusBadRequest
	case coordinator.ReasonInsufficientInventory:
		return http.StatusConflict
	case coordinator.ReasonPaymentFailed:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation_not_found", err.Error())
	case errors.Is(err, inventory.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, inventory.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// mapResultToResponse converts the composite result to the HTTP response format.
func mapResultToResponse(res coordinator.Result) PurchaseResponse {
	out := PurchaseResponse{
		TransactionID: res.TransactionID,
		Status:        string(res.Status),
		ReasonCode:    string(res.ReasonCode),
		Message:       res.Message,
		ReservationID: res.ReservationID,
		OrderID:       res.OrderID,
		PaymentID:     res.PaymentID,
		UpdatedAt:     res.UpdatedAt,
	}
	if r := res.Reservation; r != nil {
		out.ReservationStatus = string(r.Status)
		out.ProductID = r.ProductID
		out.Quantity = r.Quantity
		expires := r.ExpiresAt
		out.ExpiresAt = &expires
	}
	if o := res.Order; o != nil {
		out.OrderStatus = string(o.Status)
		out.Amount = o.Amount
		out.Currency = o.Currency
	}
	if p := res.Payment; p != nil {
		out.PaymentStatus = string(p.Status)
	}
	return out
}

func mapInventoryToResponse(inv *inventory.InventoryResource) InventoryResponse {
	return InventoryResponse{
		ProductID: inv.ProductID,
		Total:     inv.Total,
		Available: inv.Available,
		Reserved:  inv.Reserved,
	}
}

func mapEntryToResponse(e *wal.Entry) WALEntryResponse {
	return WALEntryResponse{
		LSN:           e.LSN,
		LogID:         e.LogID,
		TransactionID: e.TransactionID,
		Operation:     e.Operation,
		Phase:         e.Phase.String(),
		Table:         e.TableName,
		EntityIDs:     e.EntityIDs,
		Status:        string(e.Status),
		RelatedLogID:  e.RelatedLogID,
		Message:       e.Message,
		TraceID:       e.TraceID,
		CreatedAt:     e.CreatedAt,
		CompletedAt:   e.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
