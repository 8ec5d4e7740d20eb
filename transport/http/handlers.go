package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/escrowd/core"
)

// Challenge issues a sign-in nonce and the message to sign
func (s *Server) Challenge(c *gin.Context) {
	var req struct {
		PublicKey  string `json:"publicKey" binding:"required"`
		AgentID    string `json:"agentId" binding:"required"`
		TTLSeconds int    `json:"ttlSeconds"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	issued, err := s.auth.IssueChallenge(c.Request.Context(), req.PublicKey, req.AgentID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, issued)
}

// Verify checks a signed message and returns a receipt
func (s *Server) Verify(c *gin.Context) {
	var req struct {
		Message   string `json:"message" binding:"required"`
		Signature string `json:"signature" binding:"required"`
		Domain    string `json:"domain"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	result, err := s.auth.Verify(c.Request.Context(), req.Message, req.Signature, req.Domain)
	if err != nil {
		s.metrics.incAuth(core.CodeOf(err))
		s.writeError(c, err)
		return
	}
	s.metrics.incAuth("success")

	c.JSON(http.StatusOK, gin.H{
		"receipt":   result.Token,
		"expiresAt": result.Receipt.ExpiresAt,
		"identity":  result.Identity,
	})
}

// VerifyReceipt checks a receipt offline
func (s *Server) VerifyReceipt(c *gin.Context) {
	var req struct {
		Receipt string `json:"receipt" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	receipt, err := s.auth.VerifyReceipt(c.Request.Context(), req.Receipt)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "code": core.CodeOf(err), "error": errorBody(err)["error"]})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"publicKey": receipt.PublicKey,
		"agentId":   receipt.AgentID,
		"domain":    receipt.Domain,
		"expiresAt": receipt.ExpiresAt,
	})
}

// RegisterIdentity pre-registers an identity
func (s *Server) RegisterIdentity(c *gin.Context) {
	var req struct {
		PublicKey string            `json:"publicKey" binding:"required"`
		AgentID   string            `json:"agentId" binding:"required"`
		Metadata  map[string]string `json:"metadata"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	identity, err := s.auth.Register(c.Request.Context(), req.PublicKey, req.AgentID, req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, identity)
}

// GetIdentity returns a registered identity
func (s *Server) GetIdentity(c *gin.Context) {
	identity, err := s.auth.Identity(c.Request.Context(), c.Param("publicKey"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, identity)
}

// UpdateMetadata lets the receipt holder edit their own metadata
func (s *Server) UpdateMetadata(c *gin.Context) {
	var req struct {
		Metadata map[string]string `json:"metadata" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	// Receipt is set by the receipt middleware
	receipt, ok := receiptFrom(c)
	if !ok {
		s.writeError(c, core.ErrReceiptInvalid)
		return
	}

	identity, err := s.auth.UpdateMetadata(c.Request.Context(), receipt.PublicKey, c.Param("publicKey"), req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, identity)
}
