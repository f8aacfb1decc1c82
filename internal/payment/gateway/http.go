package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jcmexdev/inventory-saga/internal/payment"
)

// HTTP talks to a payment provider over JSON:
//
//	POST /payments  ChargeRequest -> ChargeResult
//	POST /refunds   {"gatewayTransactionId": ...} -> {"success": bool}
type HTTP struct {
	client *resty.Client
}

type refundRequest struct {
	GatewayTransactionID string `json:"gatewayTransactionId"`
}

type refundResponse struct {
	Success bool `json:"success"`
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTP{client: c}
}

func (h *HTTP) ProcessPayment(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	var res payment.ChargeResult
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.PaymentID).
		SetBody(req).
		SetResult(&res).
		SetError(&res).
		Post("/payments")
	if err != nil {
		return payment.ChargeResult{}, fmt.Errorf("gateway: charge %s: %w", req.PaymentID, err)
	}
	switch {
	case resp.StatusCode() >= 500:
		return payment.ChargeResult{}, fmt.Errorf("gateway: charge %s: status %d", req.PaymentID, resp.StatusCode())
	case resp.IsError():
		// 4xx is a decline; the body may still carry a reason.
		if res.ErrorMessage == "" {
			res.ErrorMessage = fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())
		}
		res.Success = false
	}
	return res, nil
}

func (h *HTTP) RefundPayment(ctx context.Context, gatewayTransactionID string) (bool, error) {
	var res refundResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", "refund-"+gatewayTransactionID).
		SetBody(refundRequest{GatewayTransactionID: gatewayTransactionID}).
		SetResult(&res).
		Post("/refunds")
	if err != nil {
		return false, fmt.Errorf("gateway: refund %s: %w", gatewayTransactionID, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("gateway: refund %s: status %d", gatewayTransactionID, resp.StatusCode())
	}
	return res.Success, nil
}
