package httpx

import "time"

type PurchaseRequest struct {
	TransactionID string `json:"transaction_id"`
	CustomerID    string `json:"customer_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	// TTLSeconds overrides the default hold time of a reservation.
	TTLSeconds int `json:"ttl_seconds"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type InventoryRequest struct {
	Total int `json:"total"`
}

type PurchaseResponse struct {
	TransactionID     string     `json:"transaction_id"`
	Status            string     `json:"status"`
	ReasonCode        string     `json:"reason_code,omitempty"`
	Message           string     `json:"message"`
	ReservationID     string     `json:"reservation_id,omitempty"`
	ReservationStatus string     `json:"reservation_status,omitempty"`
	ProductID         string     `json:"product_id,omitempty"`
	Quantity          int        `json:"quantity,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	OrderID           string     `json:"order_id,omitempty"`
	OrderStatus       string     `json:"order_status,omitempty"`
	PaymentID         string     `json:"payment_id,omitempty"`
	PaymentStatus     string     `json:"payment_status,omitempty"`
	Amount            int64      `json:"amount,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type InventoryResponse struct {
	ProductID string `json:"product_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

type WALEntryResponse struct {
	LSN           int64             `json:"lsn"`
	LogID         string            `json:"log_id"`
	TransactionID string            `json:"transaction_id"`
	Operation     string            `json:"operation"`
	Phase         string            `json:"phase"`
	Table         string            `json:"table"`
	EntityIDs     map[string]string `json:"entity_ids,omitempty"`
	Status        string            `json:"status"`
	RelatedLogID  string            `json:"related_log_id,omitempty"`
	Message       string            `json:"message,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
