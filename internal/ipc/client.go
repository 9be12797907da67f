package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("ipc connection closed")

// Client connects to the IPC server of a running client.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex
	nextID  atomic.Int64
	timeout time.Duration

	// responses and events are demuxed by a background reader.
	pending map[string]chan Response
	eventCh chan Event
	pendMu  sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the IPC socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial IPC socket: %w", err)
	}

	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		timeout: 35 * time.Second,
		pending: make(map[string]chan Response),
		eventCh: make(chan Event, 64),
		done:    make(chan struct{}),
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	go c.readLoop()
	return c, nil
}

// Call sends a request and decodes the result into out. An error response
// is returned as an error.
func (c *Client) Call(method string, params, out any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	ch := make(chan Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	req := Request{ID: id, Method: method}
	if params != nil {
		req.Params, _ = json.Marshal(params)
	}
	if err := c.send(req); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			var e ErrorResult
			_ = json.Unmarshal(resp.Data, &e)
			return fmt.Errorf("%s: %s", method, e.Error)
		}
		if out != nil {
			return json.Unmarshal(resp.Data, out)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-time.After(c.timeout):
		return fmt.Errorf("%s: timed out", method)
	}
}

// Status fetches the running client's status.
func (c *Client) Status() (*StatusResult, error) {
	var st StatusResult
	if err := c.Call(MethodStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reload asks the running client to re-read its session from the store.
func (c *Client) Reload() (*StatusResult, error) {
	var st StatusResult
	if err := c.Call(MethodReload, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Logout asks the running client to destroy its session.
func (c *Client) Logout() error {
	return c.Call(MethodLogout, nil, nil)
}

// Subscribe starts streaming the given event topics, or all topics when
// none are given. Events are delivered on the channel returned by Events.
func (c *Client) Subscribe(events ...string) error {
	var params any
	if len(events) > 0 {
		params = SubscribeParams{Events: events}
	}
	return c.Call(MethodSubscribe, params, nil)
}

// Events returns the channel that receives subscribed events. It is closed
// when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.eventCh
}

// Close closes the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		close(c.eventCh)
	}()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		if resp.Type == TypeEvent {
			var evt Event
			if err := json.Unmarshal(resp.Data, &evt); err == nil {
				select {
				case c.eventCh <- evt:
				default:
				}
			}
			continue
		}

		// A result or error: route it to the pending call.
		if resp.ID != "" {
			c.pendMu.Lock()
			ch, ok := c.pending[resp.ID]
			c.pendMu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}
