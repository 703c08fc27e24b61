package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketProbe connects to a tool endpoint, exchanges a JSON ping, holds
// the connection with keepalives and closes it cleanly.
type WebSocketProbe struct {
	URL               string
	MaxAttempts       int
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration

	// ReplyTimeout bounds the wait for an answer to the JSON ping.
	ReplyTimeout time.Duration
	// Keepalives is how many keepalive messages are sent, one per
	// KeepaliveInterval.
	Keepalives        int
	KeepaliveInterval time.Duration
	CloseTimeout      time.Duration

	Dialer *websocket.Dialer
	Now    func() time.Time
}

type WebSocketStats struct {
	Attempts      int            `json:"attempts"`
	Successes     int            `json:"successes"`
	Failures      int            `json:"failures"`
	Reconnections int            `json:"reconnections"`
	Sent          int            `json:"sent"`
	Received      int            `json:"received"`
	Pongs         int            `json:"pongs"`
	Errors        map[string]int `json:"errors,omitempty"`
}

func (s *WebSocketStats) recordError(err error) {
	if s.Errors == nil {
		s.Errors = map[string]int{}
	}
	s.Errors[errorKind(err)]++
}

func (p *WebSocketProbe) Name() string { return "websocket" }

func (p *WebSocketProbe) defaults() WebSocketProbe {
	c := *p
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 5 * time.Second
	}
	if c.Keepalives <= 0 {
		c.Keepalives = 10
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (p *WebSocketProbe) Run(ctx context.Context) []Result {
	c := p.defaults()
	var stats WebSocketStats
	start := c.Now()

	var out []Result
	connected := false
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		stats.Attempts++
		conn, _, err := c.Dialer.DialContext(ctx, c.URL, nil)
		if err != nil {
			stats.Failures++
			stats.recordError(err)
			out = append(out, warn(fmt.Sprintf("connect %d/%d", attempt, c.MaxAttempts), "%v", err))
			if attempt == c.MaxAttempts || ctx.Err() != nil {
				break
			}
			stats.Reconnections++
			if !sleepCtx(ctx, c.ReconnectInterval) {
				break
			}
			continue
		}
		stats.Successes++
		connected = true
		out = append(out, pass(fmt.Sprintf("connect %d/%d", attempt, c.MaxAttempts), "connected to %s", c.URL))
		out = append(out, c.session(ctx, conn, &stats)...)
		break
	}

	elapsed := c.Now().Sub(start).Round(time.Millisecond)
	summary := pass("summary", "connection test passed in %s", elapsed)
	switch {
	case !connected:
		summary = fail("summary", "no connection after %d attempts", stats.Attempts).hint(
			"check the network connection",
			"check firewall and proxy settings",
			"check that the WebSocket URL is correct",
			"check for TLS certificate problems",
		)
	case stats.Sent > stats.Received:
		summary = warn("summary", "connected, but %d of %d messages got no reply", stats.Sent-stats.Received, stats.Sent).hint(
			"the server did not answer or timed out",
			"check the ping interval and timeout settings",
		)
	}
	summary = summary.with("stats", stats)
	return append(out, summary)
}

// session runs the message exchange on an established connection.
func (c WebSocketProbe) session(ctx context.Context, conn *websocket.Conn, stats *WebSocketStats) []Result {
	var out []Result
	var received, pongs atomic.Int64

	conn.SetPongHandler(func(string) error {
		pongs.Add(1)
		return nil
	})

	replies := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr = err
				return
			}
			received.Add(1)
			select {
			case replies <- struct{}{}:
			default:
			}
		}
	}()

	stopPing := make(chan struct{})
	var wg sync.WaitGroup
	if c.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(c.PingInterval)
			defer t.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-t.C:
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.PingTimeout))
				}
			}
		}()
	}

	send := func(kind string) error {
		msg := map[string]any{"type": kind, "timestamp": float64(c.Now().UnixNano()) / 1e9}
		_ = conn.SetWriteDeadline(time.Now().Add(c.PingTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			stats.recordError(err)
			return err
		}
		stats.Sent++
		return nil
	}

	if err := send("ping"); err != nil {
		out = append(out, fail("ping", "send failed: %v", err))
	} else {
		select {
		case <-replies:
			out = append(out, pass("ping", "reply received"))
		case <-readerDone:
			out = append(out, warn("ping", "connection closed before reply: %v", readErr))
		case <-time.After(c.ReplyTimeout):
			out = append(out, warn("ping", "no reply within %s", c.ReplyTimeout))
		case <-ctx.Done():
			out = append(out, fail("ping", "%v", ctx.Err()))
		}

		held := 0
	keepalive:
		for i := 0; i < c.Keepalives; i++ {
			if err := send("keepalive"); err != nil {
				out = append(out, fail("keepalive", "failed after %d messages: %v", held, err))
				break
			}
			held++
			select {
			case <-ctx.Done():
				break keepalive
			case <-readerDone:
				stats.recordError(readErr)
				out = append(out, fail("keepalive", "connection dropped after %d messages: %v", held, readErr))
				break keepalive
			case <-time.After(c.KeepaliveInterval):
			}
		}
		if held == c.Keepalives {
			out = append(out, pass("keepalive", "held connection for %d keepalives", held))
		}
	}

	close(stopPing)
	wg.Wait()

	deadline := time.Now().Add(c.CloseTimeout)
	closeErr := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	select {
	case <-readerDone:
	case <-time.After(c.CloseTimeout):
	}
	_ = conn.Close()
	// The reader exits once the socket is closed.
	<-readerDone

	stats.Received = int(received.Load())
	stats.Pongs = int(pongs.Load())
	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		out = append(out, warn("close", "close frame not sent: %v", closeErr))
	} else {
		out = append(out, pass("close", "closed normally"))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// errorKind buckets errors for the stats table.
func errorKind(err error) string {
	var ce *websocket.CloseError
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrBadHandshake):
		return "bad_handshake"
	case errors.As(err, &ce):
		return "connection_closed"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return "dial"
	default:
		return "other"
	}
}
