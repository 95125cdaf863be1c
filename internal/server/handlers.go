package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"idempotent-payments/internal/domain"
	"idempotent-payments/internal/service"
)

type submitPaymentRequest struct {
	AmountMinor    int64             `json:"amountMinor" binding:"required,gt=0"`
	Currency       string            `json:"currency" binding:"required,len=3,alpha,uppercase"`
	OrderID        string            `json:"orderId" binding:"required"`
	IdempotencyKey string            `json:"idempotencyKey" binding:"required"`
	Metadata       map[string]string `json:"metadata"`
}

type paymentResponse struct {
	PaymentID         string    `json:"paymentId"`
	IdempotencyKey    string    `json:"idempotencyKey"`
	Status            string    `json:"status"`
	GatewayExternalID string    `json:"gatewayExternalId"`
	Message           string    `json:"message"`
	CreatedAt         time.Time `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitPayment(c *gin.Context) {
	var req submitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	resp, err := s.payments.Submit(c.Request.Context(), service.SubmitRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		OrderID:        req.OrderID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.log.ErrorContext(c.Request.Context(), "submit payment failed",
			"idempotency_key", req.IdempotencyKey,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to process payment"})
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(resp))
}

func (s *Server) getPayment(c *gin.Context) {
	id := c.Param("id")
	if !isNumeric(id) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "payment id must be numeric"})
		return
	}

	resp, err := s.payments.Get(c.Request.Context(), id)
	if err != nil {
		s.log.ErrorContext(c.Request.Context(), "get payment failed", "payment_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load payment"})
		return
	}
	if resp == nil {
		// Not-found is an explicit empty result, never an error.
		c.JSON(http.StatusOK, paymentResponse{Status: string(domain.PaymentStatusUnspecified)})
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(resp))
}

func (s *Server) healthCheck(c *gin.Context) {
	stats := s.health.Health(c.Request.Context())
	if stats["status"] != "up" {
		c.JSON(http.StatusServiceUnavailable, stats)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func toPaymentResponse(r *service.PaymentResponse) paymentResponse {
	return paymentResponse{
		PaymentID:         r.PaymentID,
		IdempotencyKey:    r.IdempotencyKey,
		Status:            string(r.Status),
		GatewayExternalID: r.GatewayExternalID,
		Message:           r.Message,
		CreatedAt:         r.CreatedAt,
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
