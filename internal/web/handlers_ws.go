package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"gatehub/internal/events"
	"gatehub/internal/wire"
)

// wsChannel adapts a WebSocket connection to registry.Channel. Writes are
// serialized; nhooyr allows only one concurrent writer per message type.
type wsChannel struct {
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex

	closeOnce sync.Once
}

func (c *wsChannel) WriteFrame(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (c *wsChannel) RemoteAddr() string { return c.remote }

func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.
	return websocket.Accept(w, r, opts)
}

// handleGatewayWS is the gateway dial-in endpoint. A successful upgrade
// registers the channel (superseding any previous connection for the
// facility) and starts its heartbeat loop; the read pump then feeds PONGs
// to the monitor and surfaces other frames as diagnostic events.
func (s *Server) handleGatewayWS(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.acceptWS(w, r)
	if err != nil {
		s.logger.Error("gateway ws accept", "facility", facility, "err", err)
		return
	}
	conn.SetReadLimit(64 << 10)

	ch := &wsChannel{conn: conn, remote: r.RemoteAddr}
	registered, err := s.registry.Register(facility, ch, id)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	s.monitor.Watch(registered)

	// Read pump. Runs on the handler goroutine; returning unregisters.
	defer s.registry.Unregister(registered, "remote closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-registered.Done():
			cancel()
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			s.logger.Debug("bad frame from gateway", "facility", facility, "err", err)
			continue
		}
		switch frame.Type {
		case wire.TypePong:
			registered.HandlePong(time.Now())
		default:
			s.bus.Publish(events.Event{
				Facility:  facility,
				Kind:      events.KindFrameReceived,
				Direction: "in",
				Remote:    r.RemoteAddr,
				FrameType: frame.Type,
			})
		}
	}
}

// handleStatusWS pushes connection state changes for facilities the
// caller is authorized to see.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.streamEvents(w, r, func(ev events.Event) bool {
		switch ev.Kind {
		case events.KindConnectionOpened, events.KindConnectionClosed, events.KindHeartbeatTimeout:
			return id.CanViewFacility(ev.Facility)
		}
		return false
	})
}

// handleDebugWS pushes the raw diagnostic event stream. Privileged roles
// only; consumers cap their own retained history.
func (s *Server) handleDebugWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok || !id.CanViewDebug() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.streamEvents(w, r, func(events.Event) bool { return true })
}

// streamEvents subscribes the client to the event bus and pumps matching
// events onto the socket. The bus's bounded per-subscriber buffer caps a
// slow client; drop-oldest keeps diagnostics recent.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, match func(events.Event) bool) {
	conn, err := s.acceptWS(w, r)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub := s.bus.Subscribe("")
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.done:
			cancel()
			conn.Close(websocket.StatusGoingAway, "server shutdown")
		case <-ctx.Done():
		}
	}()

	// Drain client reads so pings/closes are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !match(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event", "err", err)
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
