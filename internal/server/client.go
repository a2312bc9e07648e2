package server

import (
	"encoding/json"
	"errors"
	"net"
	"time"
)

// Client speaks the feeder's TCP protocol. Each call opens a fresh
// connection, which keeps the client trivially safe for concurrent
// use.
type Client struct {
	addr    string
	timeout time.Duration
}

func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 5 * time.Second}
}

func (c *Client) roundTrip(req *Request, resp *Response) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}
	return json.NewDecoder(conn).Decode(resp)
}

// Feed requests a refresh of keys and waits for the per-key outcomes.
func (c *Client) Feed(keys []string, priority int) ([]KeyOutcome, error) {
	var resp Response
	err := c.roundTrip(&Request{Op: "feed", Keys: keys, Priority: priority}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Outcomes, nil
}

// Get reads a committed entry.
func (c *Client) Get(key string) (value []byte, token uint64, err error) {
	var resp Response
	if err := c.roundTrip(&Request{Op: "get", Key: key}, &resp); err != nil {
		return nil, 0, err
	}
	if !resp.OK {
		return nil, 0, errors.New(resp.Error)
	}
	return resp.Value, resp.Token, nil
}

// Status reports watermarks and engine gauges.
func (c *Client) Status() (*Status, error) {
	var resp Response
	if err := c.roundTrip(&Request{Op: "status"}, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	return resp.Status, nil
}
