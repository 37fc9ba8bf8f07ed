package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietRoutes are probe and scrape endpoints logged at debug level.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// routeOf returns the matched route template, or "unmatched" so unknown
// paths do not explode label cardinality.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// RequestLogger writes one access line per request. Websocket upgrades are
// logged when the socket closes, with the session id when one was bound.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		status := c.Writer.Status()

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		event = event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if id := c.Param("id"); id != "" {
			event = event.Str("session", id)
		}
		if c.IsWebsocket() {
			event = event.Bool("websocket", true)
		} else {
			event = event.Int("bytes", c.Writer.Size())
		}
		event.Msg("observability.RequestLogger http_request")
	}
}

// RequestMetricsMiddleware records request counts and latency by route.
// Websocket connections are excluded from the latency histogram since their
// duration is the socket lifetime.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.IsWebsocket() {
			RecordHTTPUpgrade(node, c.Request.Method, routeOf(c), c.Writer.Status())
			return
		}
		RecordHTTPRequest(node, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}
