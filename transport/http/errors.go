package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/escrowd/core"
)

// statusOf maps a domain error onto an HTTP status
func statusOf(err error) int {
	if errors.Is(err, core.ErrLedgerTimeout) {
		return http.StatusGatewayTimeout
	}

	switch core.KindOf(err) {
	case core.KindValidation, core.KindNonce:
		return http.StatusBadRequest
	case core.KindSignature:
		return http.StatusUnauthorized
	case core.KindUnauthorized:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindInvalidState:
		return http.StatusConflict
	case core.KindExpired:
		return http.StatusGone
	case core.KindSettlement:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody never carries causes. Internal failures get a generic message.
func errorBody(err error) gin.H {
	de, ok := core.AsError(err)
	if !ok {
		return gin.H{"code": "INTERNAL", "error": "Internal error"}
	}
	return gin.H{"code": de.Code, "error": de.Message}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorBody(err))
}

// writeResultError adds the 8004 result code used by escrow and payment routes
func (s *Server) writeResultError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := errorBody(err)
	body["resultCode"] = core.ResultCodeOf(err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": core.ErrInvalidRequest.Code, "error": message})
}
