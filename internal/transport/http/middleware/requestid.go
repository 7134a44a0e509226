package middleware

import (
	"github.com/clipstash/importd/internal/requestid"
	"github.com/gin-gonic/gin"
)

// RequestID tags every API call so import submissions can be traced from
// the front door through the worker logs. An upstream X-Request-ID (the
// front door and the pre-stager both forward one) is preserved; otherwise a
// UUID v4 is generated. The id is echoed back in the response header and
// travels in the request context, where the log handler picks it up.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = requestid.New()
		}

		c.Request = c.Request.WithContext(requestid.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
