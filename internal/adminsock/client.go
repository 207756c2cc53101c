package adminsock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the request/response side used by the admin CLI.
type Client struct {
	conn net.Conn
	rd   *bufio.Reader
	enc  *json.Encoder
}

// Dial connects to an agent's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{
		conn: conn,
		rd:   bufio.NewReader(conn),
		enc:  json.NewEncoder(conn),
	}, nil
}

func (c *Client) roundTrip(req Request) (*Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == "error" {
		return nil, fmt.Errorf("daemon: %s", resp.Error)
	}
	return &resp, nil
}

// Message injects text into the agent's chat pipeline.
func (c *Client) Message(agent, text string) error {
	_, err := c.roundTrip(Request{Type: "message", Agent: agent, Text: text})
	return err
}

// Status fetches the agent's status map.
func (c *Client) Status(agent string) (map[string]any, error) {
	resp, err := c.roundTrip(Request{Type: "status", Agent: agent})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
