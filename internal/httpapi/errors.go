package httpapi

import (
	"net/http"

	"callrelay/internal/calls"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case calls.CodeNotFound:
		return http.StatusNotFound
	case calls.CodeForbidden:
		return http.StatusForbidden
	case calls.CodeSelfCall, calls.CodeInvalidArgument:
		return http.StatusBadRequest
	case calls.CodeBusy,
		calls.CodeUnavailable,
		calls.CodeNoIncomingCall,
		calls.CodeNotInCall,
		calls.CodeScreenCastInProgress,
		calls.CodePhoneNumberTaken:
		return http.StatusConflict
	case calls.CodeMailboxFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with {"error", "code"}. Internal failures are logged
// and reported without detail.
func writeError(c *gin.Context, err error) {
	code := calls.Code(err)
	status := StatusFor(code)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "code": calls.CodeInternal})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}
