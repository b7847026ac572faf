package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClientClosed is returned by Call after the connection has failed or
// Close was called.
var ErrClientClosed = errors.New("rpc client closed")

// RemoteError is an error returned by the remote handler, as opposed to a
// transport failure.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc error from %s: %s", e.Method, e.Message)
}

// Client is a lightweight JSON-over-TCP RPC client. Calls are multiplexed
// over one connection and matched to responses by id.
type Client struct {
	addr    string
	conn    net.Conn
	encoder *json.Encoder
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]chan Response
	err     error
	closed  chan struct{}
}

// Dial connects to an RPC server at the given address.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := &Client{
		addr:    addr,
		conn:    conn,
		encoder: json.NewEncoder(conn),
		pending: make(map[string]chan Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp Response
		if err := decoder.Decode(&resp); err != nil {
			c.fail(fmt.Errorf("%w: reading response: %v", ErrClientClosed, err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.closed)
	c.conn.Close()
}

// Call invokes the named RPC method with params and decodes the response
// into result. The deadline of ctx, if any, is sent with the request so the
// server evaluates under the same absolute instant. Call is safe for
// concurrent use.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	req := Request{Method: method, ID: id, Params: raw}
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl.UnixNano()
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.encoder.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.fail(fmt.Errorf("%w: sending request: %v", ErrClientClosed, err))
		return fmt.Errorf("sending request: %w", err)
	}

	var resp Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.closed:
		c.forget(id)
		return c.Err()
	}

	if resp.Error != "" {
		return &RemoteError{Method: method, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Err returns the error that broke the connection, or nil while healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Addr returns the remote address this client was dialed to.
func (c *Client) Addr() string { return c.addr }

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	return nil
}

// Pool keeps one multiplexed client per address and redials broken ones.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns a live client for addr, dialing if needed.
func (p *Pool) Get(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	c, ok := p.clients[addr]
	p.mu.Unlock()
	if ok && c.Err() == nil {
		return c, nil
	}

	nc, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.clients[addr]; ok && cur != c && cur.Err() == nil {
		nc.Close()
		return cur, nil
	}
	p.clients[addr] = nc
	return nc, nil
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		c.Close()
		delete(p.clients, addr)
	}
}
