package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"txcoord/pkg/logger"
)

// Logger logs one entry per request: server errors at error level, client
// errors at warn, everything else at info. Health probes are logged at debug.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		l := log.WithContext(c.Request.Context()).With(
			"method", c.Request.Method,
			"route", route,
			"path", c.Request.URL.Path,
			"status", status,
			"bytes", c.Writer.Size(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
		if len(c.Errors) > 0 {
			l = l.With("error", c.Errors.Last().Error())
		}

		switch {
		case status >= http.StatusInternalServerError:
			l.Error("http request")
		case status >= http.StatusBadRequest:
			l.Warn("http request")
		case strings.HasPrefix(route, "/health"):
			l.Debug("http request")
		default:
			l.Info("http request")
		}
	}
}
