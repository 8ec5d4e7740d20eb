package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/service"
)

// CreatePaymentRequest issues a payment requirement
func (s *Server) CreatePaymentRequest(c *gin.Context) {
	var req struct {
		Resource    string      `json:"resource" binding:"required"`
		Amount      core.Amount `json:"amount"`
		Payee       string      `json:"payee" binding:"required"`
		Description string      `json:"description"`
		TTLSeconds  int         `json:"ttlSeconds"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	payment, err := s.payments.CreatePaymentRequest(c.Request.Context(), service.CreatePaymentInput{
		Resource:    req.Resource,
		Amount:      req.Amount,
		Payee:       req.Payee,
		Description: req.Description,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

// GetPaymentRequest returns a payment request
func (s *Server) GetPaymentRequest(c *gin.Context) {
	payment, err := s.payments.GetPaymentRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

// VerifyPayment checks a transaction against a payment request
func (s *Server) VerifyPayment(c *gin.Context) {
	var req struct {
		TxRef string `json:"txRef" binding:"required"`
		From  string `json:"from" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	verification, err := s.payments.Verify(c.Request.Context(), c.Param("id"), req.TxRef, req.From)
	if err != nil {
		s.metrics.incPayment("x402", core.CodeOf(err))
		s.writeResultError(c, err)
		return
	}

	outcome := "verified"
	if !verification.Verified {
		outcome = "mismatch"
	}
	s.metrics.incPayment("x402", outcome)

	c.JSON(http.StatusOK, verification)
}

// Process8004 validates a payment transaction once per payment id
func (s *Server) Process8004(c *gin.Context) {
	var req struct {
		PaymentID string `json:"paymentId" binding:"required"`
		TxRef     string `json:"txRef" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	record, err := s.payments.Process8004(c.Request.Context(), req.PaymentID, req.TxRef)
	if err != nil {
		s.metrics.incPayment("8004", core.CodeOf(err))
		s.writeResultError(c, err)
		return
	}
	s.metrics.incPayment("8004", string(record.Status))

	c.JSON(http.StatusOK, recordResponse(record))
}

// PaymentStatus returns a stored 8004 record
func (s *Server) PaymentStatus(c *gin.Context) {
	record, err := s.payments.PaymentStatus(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	c.JSON(http.StatusOK, recordResponse(record))
}

func recordResponse(record *core.PaymentRecord) gin.H {
	code := core.ResultSuccess
	if !record.Validated() {
		code = core.ResultInvalidPayment
	}
	return gin.H{
		"paymentId":      record.PaymentID,
		"transactionRef": record.TxRef,
		"validated":      record.Validated(),
		"status":         record.Status,
		"confirmations":  record.Confirmations,
		"resultCode":     code,
		"message":        code.Message(),
	}
}

// PaidResource is served once the paywall is satisfied
func (s *Server) PaidResource(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resource":  c.Request.URL.Path,
		"paymentId": c.GetString("paymentId"),
	})
}
