package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperengineering/todomirror/internal/types"
)

// ErrStreamClosed is returned by Next once the stream has been closed locally.
var ErrStreamClosed = errors.New("change stream closed")

// Stream is one live change-stream subscription.
type Stream struct {
	conn        *websocket.Conn
	pongTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the change stream.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	u := c.baseURL + apiPrefix + "/todos/stream"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	header := http.Header{}
	if err := c.authorize(ctx, header); err != nil {
		return nil, &types.TransportError{Op: "stream", Err: err}
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		te := &types.TransportError{Op: "stream", Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
			te.Detail = problemDetail(resp.Body)
			resp.Body.Close()
		}
		return nil, te
	}

	s := &Stream{
		conn:        conn,
		pongTimeout: c.opts.PongTimeout,
		done:        make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
	go s.pingLoop(c.opts.PingInterval)
	return s, nil
}

// Next blocks until the next message arrives and returns its payload.
func (s *Stream) Next() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil, ErrStreamClosed
			default:
			}
			return nil, &types.TransportError{Op: "stream", Err: err}
		}
		// Any traffic proves the peer is alive.
		s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close releases the subscription. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.pongTimeout))
			s.writeMu.Unlock()
			if err != nil {
				slog.Debug("stream ping failed", "component", "remote", "error", err)
				return
			}
		}
	}
}
