package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/events"
)

const wsWriteTimeout = 10 * time.Second

// streamHandler handles GET /api/v1/executions/:id/stream. It serves the
// execution's event feed as SSE: persisted history first, then live
// events until the terminal event. Sequence numbers double as SSE event
// ids, so EventSource reconnects resume via Last-Event-ID without gaps.
func (s *Server) streamHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	if _, err := s.manager.Get(c.Request().Context(), executionID); err != nil {
		return mapServiceError(err)
	}

	since, err := parseSince(c)
	if err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	rc := http.NewResponseController(c.Response())

	ch, cancel := s.bus.Subscribe(c.Request().Context(), executionID, since)
	defer cancel()

	for evt := range ch {
		if err := writeSSE(c.Response(), s.redactEvent(evt)); err != nil {
			return nil
		}
		if err := rc.Flush(); err != nil {
			return nil
		}
	}
	return nil
}

// wsHandler handles GET /api/v1/executions/:id/ws, the WebSocket variant
// of the event stream. The connection is write-only; each event is sent
// as one JSON text message.
func (s *Server) wsHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	if _, err := s.manager.Get(c.Request().Context(), executionID); err != nil {
		return mapServiceError(err)
	}

	since, err := parseSince(c)
	if err != nil {
		return err
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Accept all origins; origin allowlisting belongs to the deployment's
		// ingress until server config grows an origin list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead reads and discards inbound frames so pings are answered
	// and the context ends when the peer goes away.
	ctx := conn.CloseRead(c.Request().Context())

	ch, cancel := s.bus.Subscribe(ctx, executionID, since)
	defer cancel()

	for evt := range ch {
		data, err := json.Marshal(s.redactEvent(evt))
		if err != nil {
			continue
		}
		writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancelWrite()
		if err != nil {
			return nil
		}
	}
	return nil
}

// parseSince resolves the resume position: the Last-Event-ID header wins,
// then the since_sequence query param, else 0 (full replay).
func parseSince(c *echo.Context) (int64, error) {
	v := c.Request().Header.Get("Last-Event-ID")
	if v == "" {
		v = c.QueryParam("since_sequence")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid resume position: must be a non-negative integer")
	}
	return n, nil
}

// writeSSE writes one SSE frame. Heartbeats carry no sequence and get no
// id line, so they never disturb a client's resume position.
func writeSSE(w io.Writer, evt *events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if evt.Sequence > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", evt.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// redactEvent returns a copy of evt with secret patterns masked in the
// free-text fields. Events cross the API boundary only through here.
func (s *Server) redactEvent(evt *events.Event) *events.Event {
	out := *evt
	out.Message = s.masker.MaskString(evt.Message)
	out.ExtraData = s.masker.MaskMap(evt.ExtraData)
	return &out
}
