package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/attestia/pkg/errs"
)

// Pagination rides next to paged data in the response envelope.
type Pagination struct {
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
	Limit   int  `json:"limit"`
	Page    int  `json:"page"`
}

func respondData(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"data": data})
}

func respondPage(c *gin.Context, data interface{}, p Pagination) {
	c.JSON(http.StatusOK, gin.H{"data": data, "pagination": p})
}

func respondError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	body := gin.H{"code": string(code), "message": err.Error()}
	if code == "" {
		body["code"] = "INTERNAL"
		body["message"] = "internal error"
		body["details"] = err.Error()
	}
	c.JSON(statusFor(code), gin.H{"error": body})
}

// statusFor maps kernel error codes onto HTTP statuses. Unknown codes are
// treated as internal faults.
func statusFor(code errs.Code) int {
	switch code {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict, errs.ConcurrencyConflict:
		return http.StatusConflict
	case errs.StateTransition, errs.QuorumNotMet, errs.IntegrityViolation, errs.SchemaMigration:
		return http.StatusUnprocessableEntity
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.NotConnected, errs.StoreClosed:
		return http.StatusServiceUnavailable
	case errs.NetworkError:
		return http.StatusBadGateway
	case errs.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
