package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleEvents streams relay events to the client as server-sent events.
// Every subject under the relay prefix is forwarded; comment lines serve
// as heartbeats.
func (s *Server) handleEvents(c echo.Context) error {
	if s.nats == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event relay not running")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ch := make(chan *nats.Msg, 64)
	sub, err := s.nats.ChanSubscribe(s.prefix+".>", ch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event stream: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn(c.Request().Context(), "failed to unsubscribe event stream", zap.Error(err))
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", msg.Subject, msg.Data); err != nil {
				return nil
			}
			res.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
