package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks to a running daemon over its unix socket. One client holds
// one connection; calls are sequential.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *json.Encoder
}

// Dial connects to the daemon, retrying briefly with exponential backoff so
// a client started right after the daemon does not race its socket.
func Dial(socket string, timeout time.Duration) (*Client, error) {
	var conn net.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = timeout
	err := backoff.Retry(func() error {
		var derr error
		conn, derr = net.DialTimeout("unix", socket, timeout)
		return derr
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("rpc: dialing %s: %w", socket, err)
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
		enc:  json.NewEncoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and decodes the reply. A reply with ok=false comes
// back as an error.
func (c *Client) Call(req Request) (json.RawMessage, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("rpc: sending %s: %w", req.Op, err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("rpc: reading %s reply: %w", req.Op, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("rpc: decoding %s reply: %w", req.Op, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("rpc: %s", resp.Error)
	}
	return resp.Result, nil
}
