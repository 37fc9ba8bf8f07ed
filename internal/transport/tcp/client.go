package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/protocol/frame"
	"github.com/danmuck/callbridge/internal/protocol/wire"
)

// Client is the host side of a framed connection.
type Client struct {
	conn   net.Conn
	limits frame.Limits
	mu     sync.Mutex
	seq    atomic.Uint64
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, limits: frame.DefaultLimits()}, nil
}

// Call sends req. The answer arrives through Next.
func (c *Client) Call(req interop.CallRequest) error {
	f, err := wire.CallFrame(c.seq.Add(1), req)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Release asks the session to drop ref.
func (c *Client) Release(ref int64) error {
	f, err := wire.ReleaseFrame(c.seq.Add(1), ref)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Next reads the next server message. A zero timeout waits indefinitely.
func (c *Client) Next(timeout time.Duration) (wire.Message, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	f, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Decode(f)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(f frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frame.WriteFrame(c.conn, f, c.limits)
}
