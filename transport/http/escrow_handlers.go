package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/service"
)

// CreateEscrow opens a new escrow in CREATED state
func (s *Server) CreateEscrow(c *gin.Context) {
	var req service.CreateEscrowInput

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	escrow, err := s.escrows.Create(c.Request.Context(), req)
	if err != nil {
		s.writeResultError(c, err)
		return
	}
	s.metrics.incEscrow(string(escrow.State))

	c.JSON(http.StatusCreated, escrow)
}

// ListEscrows lists the escrows of a participant
func (s *Server) ListEscrows(c *gin.Context) {
	escrows, err := s.escrows.List(c.Request.Context(), c.Query("participant"))
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

// GetEscrow returns one escrow
func (s *Server) GetEscrow(c *gin.Context) {
	escrow, err := s.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	c.JSON(http.StatusOK, escrow)
}

// EscrowStatus returns the derived status view
func (s *Server) EscrowStatus(c *gin.Context) {
	status, err := s.escrows.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// FundEscrow records the funding transaction
func (s *Server) FundEscrow(c *gin.Context) {
	var req struct {
		TxRef string `json:"txRef" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	escrow, err := s.escrows.Fund(c.Request.Context(), c.Param("id"), req.TxRef)
	if err != nil {
		s.writeResultError(c, err)
		return
	}
	s.metrics.incEscrow(string(escrow.State))

	c.JSON(http.StatusOK, escrow)
}

// ReleaseEscrow pays the payee
func (s *Server) ReleaseEscrow(c *gin.Context) {
	var req struct {
		Requester string `json:"requester"`
	}

	// the body may be empty when a receipt names the requester
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request")
		return
	}

	requester, err := s.requester(c, req.Requester)
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	escrow, err := s.escrows.Release(c.Request.Context(), c.Param("id"), requester)
	if err != nil {
		s.writeResultError(c, err)
		return
	}
	s.metrics.incEscrow(string(escrow.State))

	c.JSON(http.StatusOK, escrow)
}

// RefundEscrow pays the payer back
func (s *Server) RefundEscrow(c *gin.Context) {
	var req struct {
		Requester string `json:"requester"`
		Reason    string `json:"reason"`
	}

	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request")
		return
	}

	requester, err := s.requester(c, req.Requester)
	if err != nil {
		s.writeResultError(c, err)
		return
	}

	escrow, err := s.escrows.Refund(c.Request.Context(), c.Param("id"), requester, req.Reason)
	if err != nil {
		s.writeResultError(c, err)
		return
	}
	s.metrics.incEscrow(string(escrow.State))

	c.JSON(http.StatusOK, escrow)
}

// requester resolves who is acting. A receipt, when present, is
// authoritative and a different claimed requester is rejected.
func (s *Server) requester(c *gin.Context, claimed string) (string, error) {
	receipt, ok := receiptFrom(c)
	if !ok {
		if s.requireReceipt {
			return "", core.ErrReceiptInvalid.WithMessage("receipt required")
		}
		if claimed == "" {
			return "", core.ErrInvalidRequest.WithMessage("requester is required")
		}
		return claimed, nil
	}

	if claimed != "" && !strings.EqualFold(claimed, receipt.PublicKey) {
		return "", core.ErrUnauthorized.WithMessage("requester does not match receipt")
	}
	return receipt.PublicKey, nil
}
