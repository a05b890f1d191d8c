package control

import (
	"net"
	"time"

	"github.com/jingkaihe/iofault/internal/errx"
)

const dialTimeout = 2 * time.Second

// Client talks to a running session's control socket.
type Client struct {
	conn net.Conn
}

func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, errx.Wrap(ErrDial, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) roundTrip(cmd Command) (*Response, error) {
	if err := writeFrame(c.conn, &Request{Command: cmd}); err != nil {
		return nil, err
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errx.With(ErrRemote, ": %s", resp.Error)
	}
	return &resp, nil
}

func (c *Client) Status() (*Status, error) {
	resp, err := c.roundTrip(CmdStatus)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) Enable() error {
	_, err := c.roundTrip(CmdEnable)
	return err
}

func (c *Client) Disable() error {
	_, err := c.roundTrip(CmdDisable)
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}
