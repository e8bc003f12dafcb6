package ws

import (
	"context"
	"io"
	"log"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/strangerline/whisper/internal/metrics"
	"github.com/strangerline/whisper/internal/protocol"
	"github.com/strangerline/whisper/internal/ready"
)

// connHandler is the single ready.Handler implementation shared by every
// Link the Server registers — one instance, many contexts. The Manager
// dispatches to it from its own I/O goroutine only; it never runs two of
// these callbacks for the same Link concurrently, so connHandler needs no
// locking beyond what Connection itself already does for writes.
type connHandler struct {
	server *Server
}

// IO asks for read readiness, or for None once the connection is flagged
// closing. Outbound frames are written directly
// (gobwas/ws's write path does its own blocking syscall), so the readiness
// core never needs to schedule a Write callback for this handler.
func (h *connHandler) IO(ctx any) ready.Interest {
	c := ctx.(*Connection)
	if c.closing.Load() {
		return ready.None
	}
	return ready.Read
}

// Read reads exactly one WebSocket frame from the connection and either
// handles it inline (control frames) or hands the payload to the worker
// pool for application-level processing. It returns false to tear the Link
// down — on a real read error, a client-initiated close, or a forced
// disconnect observed before the read.
func (h *connHandler) Read(mgr *ready.Manager, ctx any) bool {
	c := ctx.(*Connection)
	if c.closing.Load() {
		return false
	}

	s := h.server
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no full frame arrived this tick — not a
		// dead connection. The heartbeat sweep is what decides liveness.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		return header.OpCode != ws.OpClose
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame too large from session=%s: %d bytes (max %d)",
			c.ID, header.Length, s.config.MaxFrameSize)
		_, _ = io.Copy(io.Discard, reader)

		errMsg, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    "frame_too_large",
			Message: "Message exceeds 4KB limit",
		})
		if err == nil {
			_ = c.WriteMessage(errMsg)
		}
		return true
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			return false
		}
	}
	if len(data) == 0 {
		return true
	}

	s.dispatchMessage(c, data)
	return true
}

// dispatchMessage hands a decoded frame to the worker pool so that
// application-level processing (content filtering, matching, storage
// round-trips) never blocks the I/O goroutine driving Tick.
func (s *Server) dispatchMessage(c *Connection, data []byte) {
	if s.onMessage == nil {
		return
	}
	s.workerPool <- struct{}{}
	go func() {
		defer func() { <-s.workerPool }()
		s.onMessage(c, data)
	}()
}

// Write is never driven by the readiness core for this handler; see IO.
func (h *connHandler) Write(ctx any) bool { return true }

// Error logs the backend-reported error bit. Teardown happens through the
// Manager's normal unregister path right after this call returns.
func (h *connHandler) Error(ctx any) {
	c := ctx.(*Connection)
	log.Printf("ws: backend error on session=%s fd=%d", c.ID, c.Fd)
}

// Check runs on the Manager's periodic sweep (every checkInterval). It
// retires connections that have gone silent past Interval+Timeout, nudges
// the rest with a protocol ping, and tears down anything flagged by a
// forced disconnect issued from outside the I/O thread.
func (h *connHandler) Check(ctx any, now float64) bool {
	c := ctx.(*Connection)
	if c.closing.Load() {
		return false
	}

	hb := h.server.heartbeat
	if time.Since(c.LastPing) > hb.Interval+hb.Timeout {
		log.Printf("ws: heartbeat timeout session=%s last_activity=%s ago",
			c.ID, time.Since(c.LastPing).Round(time.Second))
		metrics.ReadySweepEvictions.Inc()
		return false
	}

	if time.Since(c.lastPingSent) >= hb.Interval {
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			metrics.ReadySweepEvictions.Inc()
			return false
		}
		c.lastPingSent = time.Now()
	}
	return true
}

// Destroy is the single teardown path for every connection, whatever
// triggered it: read error, client close, heartbeat timeout, or a forced
// disconnect. It removes the connection from the registry (which closes
// the socket), notifies the application layer, and clears Redis session
// state.
func (h *connHandler) Destroy(ctx any) {
	c := ctx.(*Connection)
	s := h.server

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	s.notifyDisconnect(c)

	if s.sessionStore != nil {
		delCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Delete(delCtx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}
