package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quocanhngo/idpool/internal/model"
)

const (
	// HeaderTenantID and HeaderUserID are set by the upstream gateway after
	// it has authenticated the caller.
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"

	tenantIDKey = "tenantID"
	userIDKey   = "userID"

	maxIdentityLength = 64
)

// RequestContext resolves the tenant and acting user of an API call from the
// gateway headers and stores them in the gin context. Requests missing either
// value are rejected with 400.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))

		var msg string
		switch {
		case tenantID == "":
			msg = HeaderTenantID + " header is required"
		case userID == "":
			msg = HeaderUserID + " header is required"
		case len(tenantID) > maxIdentityLength || len(userID) > maxIdentityLength:
			msg = "identity headers must be at most 64 characters"
		}
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, model.ErrorResponse{
				Error:     "invalid_request",
				Message:   msg,
				RequestID: RequestIDFrom(c),
			})
			return
		}

		c.Set(tenantIDKey, tenantID)
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// TenantID returns the tenant resolved by RequestContext
func TenantID(c *gin.Context) string {
	return c.GetString(tenantIDKey)
}

// UserID returns the acting user resolved by RequestContext
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
